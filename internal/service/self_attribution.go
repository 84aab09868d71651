package service

import "fmt"

// selfVersions maps a document version that has not been observed yet to the
// session whose accepted edit will produce it. Entries are consumed on read.
type selfVersions struct {
	entries map[int64]string
}

func newSelfVersions() *selfVersions {
	return &selfVersions{entries: make(map[int64]string)}
}

func (v *selfVersions) Reserve(version int64, sessionID string) error {
	if owner, ok := v.entries[version]; ok {
		return fmt.Errorf("version %d already reserved by session %s", version, owner)
	}
	v.entries[version] = sessionID
	return nil
}

func (v *selfVersions) Consume(version int64) (string, bool) {
	sessionID, ok := v.entries[version]
	if ok {
		delete(v.entries, version)
	}
	return sessionID, ok
}

// Rollback drops a reservation, but only while it still belongs to sessionID.
func (v *selfVersions) Rollback(version int64, sessionID string) {
	if owner, ok := v.entries[version]; ok && owner == sessionID {
		delete(v.entries, version)
	}
}

func (v *selfVersions) Clear() {
	clear(v.entries)
}

func (v *selfVersions) Len() int {
	return len(v.entries)
}
