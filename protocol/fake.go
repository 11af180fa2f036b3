package protocol

import (
	"fmt"
	"strings"
	"sync"

	"github.com/Fedihosting-Foundation-Forks/bridgy-fed/domain"
)

// Fake is an in-memory Protocol used by tests across packages. Fetches are
// served from the Objects map; sends are recorded. The "fake" label is also
// the one protocol allowed on both sides of a follower edge.
type Fake struct {
	mu sync.Mutex

	// id -> object returned by Fetch; a nil value means ErrNotFound
	Objects map[string]*domain.Object
	// errors returned by Fetch for specific ids, takes precedence
	FetchErrs map[string]error
	// errors returned by Send for specific endpoints
	SendErrs map[string]error

	Fetched []string
	Sent    []FakeSend
}

// FakeSend records one Send call.
type FakeSend struct {
	Endpoint string
	ObjID    string
}

func NewFake() *Fake {
	return &Fake{
		Objects:   make(map[string]*domain.Object),
		FetchErrs: make(map[string]error),
		SendErrs:  make(map[string]error),
	}
}

func (f *Fake) Label() string         { return domain.FakeProtocol }
func (f *Fake) Abbrev() string        { return "fa" }
func (f *Fake) OtherLabels() []string { return nil }

func (f *Fake) CheckID(id string) error {
	if id == "" || strings.ContainsAny(id, " \t\n") {
		return fmt.Errorf("bad fake id %q", id)
	}
	return nil
}

func (f *Fake) OwnsID(id string) bool {
	return strings.HasPrefix(id, "fake:")
}

func (f *Fake) ActorID(user *domain.Identity) string {
	return "fake:actor:" + user.Key.ID
}

func (f *Fake) ProfileID(user *domain.Identity) string {
	return "fake:profile:" + user.Key.ID
}

func (f *Fake) Fetch(id string) (*domain.Object, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.Fetched = append(f.Fetched, id)

	if err, ok := f.FetchErrs[id]; ok {
		return nil, err
	}
	obj, ok := f.Objects[id]
	if !ok || obj == nil {
		return nil, ErrNotFound
	}
	return obj.Copy(), nil
}

func (f *Fake) Send(obj *domain.Object, endpoint string, from *domain.Identity) (*SendResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.Sent = append(f.Sent, FakeSend{Endpoint: endpoint, ObjID: obj.ID})

	if err, ok := f.SendErrs[endpoint]; ok {
		return nil, err
	}
	return &SendResult{Status: 200, Body: "sent"}, nil
}
