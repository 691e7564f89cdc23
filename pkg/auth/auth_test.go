package auth_test

import (
	"context"
	"errors"
	"testing"

	"github.com/nimbusmq/broker/pkg/auth"
)

type fakeBackend struct {
	users     []string
	acl       map[string][]string
	listErr   error
	aclErr    error
}

func (f *fakeBackend) ListUser(ctx context.Context, clusterName string) ([]string, error) {
	if f.listErr != nil {
		return nil, f.listErr
	}
	return f.users, nil
}

func (f *fakeBackend) ListAcl(ctx context.Context, clusterName, username string) ([]string, error) {
	if f.aclErr != nil {
		return nil, f.aclErr
	}
	return f.acl[username], nil
}

func TestAuthenticateAllowsWhenDisabled(t *testing.T) {
	d := auth.New(&fakeBackend{}, "c1", false)
	if got := d.Authenticate(context.Background(), "client1", "nobody", nil); got != auth.Allowed {
		t.Errorf("expected Allowed with auth disabled, got %v", got)
	}
}

func TestAuthenticateDeniesUnknownUser(t *testing.T) {
	d := auth.New(&fakeBackend{users: []string{"alice"}}, "c1", true)
	if got := d.Authenticate(context.Background(), "client1", "mallory", nil); got != auth.Denied {
		t.Errorf("expected Denied, got %v", got)
	}
}

func TestAuthenticateAllowsKnownUser(t *testing.T) {
	d := auth.New(&fakeBackend{users: []string{"alice"}}, "c1", true)
	if got := d.Authenticate(context.Background(), "client1", "alice", nil); got != auth.Allowed {
		t.Errorf("expected Allowed, got %v", got)
	}
}

func TestAuthenticateReturnsUnavailableOnBackendError(t *testing.T) {
	d := auth.New(&fakeBackend{listErr: errors.New("down")}, "c1", true)
	if got := d.Authenticate(context.Background(), "client1", "alice", nil); got != auth.Unavailable {
		t.Errorf("expected Unavailable, got %v", got)
	}
}

func TestAuthorizeChecksACLGrant(t *testing.T) {
	d := auth.New(&fakeBackend{acl: map[string][]string{"alice": {"a/b"}}}, "c1", true)

	if got := d.Authorize(context.Background(), "client1", "alice", "a/b", auth.Publish); got != auth.Allowed {
		t.Errorf("expected Allowed for granted topic, got %v", got)
	}
	if got := d.Authorize(context.Background(), "client1", "alice", "c/d", auth.Subscribe); got != auth.Denied {
		t.Errorf("expected Denied for ungranted topic, got %v", got)
	}
}
