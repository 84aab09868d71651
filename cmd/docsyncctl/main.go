package main

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"inkdown-docsync/internal/config"
	"inkdown-docsync/internal/domain"
	"inkdown-docsync/pkg/jwt"

	"github.com/docopt/docopt-go"
	"golang.org/x/term"
)

const DocSyncCtlVersion = "0.1.0"

func main() {
	usage := `DocSync control.

The default server url is http://localhost:8080. The JWT secret is read from
JWT_SECRET or .env, the same way the server reads it.

Usage:
    docsyncctl token <user> [--ttl=<ttl>]
    docsyncctl write <document> <file> [--url=<url>] [--user=<user>]
    docsyncctl sessions <document> [--url=<url>] [--user=<user>]
    docsyncctl resync <document> [--url=<url>] [--user=<user>]
    docsyncctl reset <document> [--yes] [--url=<url>] [--user=<user>]

Options:
    -h --help        Show this screen.
    --version        Show version.
    --ttl=<ttl>      Token lifetime [default: 1h].
    --url=<url>      Server url [default: http://localhost:8080].
    --user=<user>    User the request is signed for [default: docsyncctl].
    --yes            Do not ask before resetting.`

	opts, err := docopt.ParseArgs(usage, os.Args[1:], DocSyncCtlVersion)
	if err != nil {
		fail(err)
	}

	cfg, err := config.Load()
	if err != nil {
		fail(err)
	}

	if token_, _ := opts.Bool("token"); token_ {
		err = printToken(opts, cfg)
	} else if write_, _ := opts.Bool("write"); write_ {
		err = writeDocument(opts, cfg)
	} else if sessions_, _ := opts.Bool("sessions"); sessions_ {
		err = listSessions(opts, cfg)
	} else if resync_, _ := opts.Bool("resync"); resync_ {
		err = resyncDocument(opts, cfg)
	} else if reset_, _ := opts.Bool("reset"); reset_ {
		err = resetDocument(opts, cfg)
	}

	if err != nil {
		fail(err)
	}
}

func fail(err error) {
	fmt.Fprintln(os.Stderr, "docsyncctl:", err)
	os.Exit(1)
}

func printToken(opts docopt.Opts, cfg *config.Config) error {
	user, _ := opts.String("<user>")
	ttlStr, _ := opts.String("--ttl")

	ttl, err := time.ParseDuration(ttlStr)
	if err != nil {
		return fmt.Errorf("invalid --ttl: %w", err)
	}

	token, err := jwt.GenerateToken(user, ttl, cfg.JWT.Secret)
	if err != nil {
		return err
	}

	fmt.Println(token)
	return nil
}

func writeDocument(opts docopt.Opts, cfg *config.Config) error {
	id, _ := opts.String("<document>")
	path, _ := opts.String("<file>")

	content, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	var resp domain.WriteDocumentResponse
	if err := call(opts, cfg, http.MethodPut, "/documents/"+id, &domain.WriteDocumentRequest{Content: string(content)}, &resp); err != nil {
		return err
	}

	fmt.Printf("%s now at version %d\n", resp.ID, resp.Version)
	return nil
}

func listSessions(opts docopt.Opts, cfg *config.Config) error {
	id, _ := opts.String("<document>")

	var resp domain.DocumentSessionsResponse
	if err := call(opts, cfg, http.MethodGet, "/documents/"+id+"/sessions", nil, &resp); err != nil {
		return err
	}

	fmt.Printf("%s epoch %s, %d pending self versions\n", resp.DocumentID, resp.AuthorityEpoch, resp.PendingSelf)
	for _, sess := range resp.Sessions {
		fmt.Printf("  %s  user=%s ready=%t init_version=%d\n", sess.ID, sess.UserID, sess.Ready, sess.InitVersion)
	}
	return nil
}

func resyncDocument(opts docopt.Opts, cfg *config.Config) error {
	id, _ := opts.String("<document>")

	var resp map[string]int
	if err := call(opts, cfg, http.MethodPost, "/documents/"+id+"/resync", nil, &resp); err != nil {
		return err
	}

	fmt.Printf("resync sent to %d sessions\n", resp["sessions"])
	return nil
}

func resetDocument(opts docopt.Opts, cfg *config.Config) error {
	id, _ := opts.String("<document>")
	yes, _ := opts.Bool("--yes")

	if !yes {
		ok, err := confirm(id)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("reset of %s aborted", id)
		}
	}

	var resp map[string]string
	body := map[string]bool{"confirm": true}
	if err := call(opts, cfg, http.MethodPost, "/documents/"+id+"/reset", body, &resp); err != nil {
		return err
	}

	fmt.Printf("%s reset, new epoch %s\n", id, resp["authority_epoch"])
	return nil
}

// confirm asks the operator to type the document id. Without a terminal
// there is nobody to ask, so --yes is required.
func confirm(id string) (bool, error) {
	if !term.IsTerminal(int(os.Stdin.Fd())) {
		return false, fmt.Errorf("stdin is not a terminal, pass --yes to reset %s", id)
	}

	fmt.Printf("Reset discards every attached view's state for %s.\nType the document id to continue: ", id)
	answer, err := bufio.NewReader(os.Stdin).ReadString('\n')
	if err != nil && err != io.EOF {
		return false, err
	}
	return strings.TrimSpace(answer) == id, nil
}

type apiResponse struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   string          `json:"error"`
}

func call(opts docopt.Opts, cfg *config.Config, method, path string, body interface{}, out interface{}) error {
	baseURL, _ := opts.String("--url")
	user, _ := opts.String("--user")

	token, err := jwt.GenerateToken(user, time.Minute, cfg.JWT.Secret)
	if err != nil {
		return err
	}

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequest(method, strings.TrimRight(baseURL, "/")+"/api/v1"+path, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")

	client := &http.Client{Timeout: 30 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	var decoded apiResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return fmt.Errorf("unexpected response (status %d): %w", resp.StatusCode, err)
	}

	if !decoded.Success {
		return fmt.Errorf("server returned %d: %s", resp.StatusCode, decoded.Error)
	}

	if out != nil && len(decoded.Data) > 0 {
		return json.Unmarshal(decoded.Data, out)
	}
	return nil
}
