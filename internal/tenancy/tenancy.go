// Package tenancy scopes configuration records to tenants. The tenant comes
// from a request header; an absent or empty header means the caller is an
// administrator and sees everything.
package tenancy

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/Cray-HPE/cfs-api/internal/store"
)

// Header carries the tenant name on every request.
const Header = "Cray-Tenant-Name"

// DefaultTAPMSEndpoint is the in-cluster tenant directory. TAPMS breaks
// compatibility when it bumps the API version, so the version is pinned here
// and updated alongside TAPMS.
const DefaultTAPMSEndpoint = "http://cray-tapms/v1alpha3/tenants"

// ErrForbidden marks a write denied by ownership rules. The HTTP layer maps
// it to 403.
var ErrForbidden = errors.New("the record belongs to a different tenant")

// FromRequest extracts the tenant name. Empty means admin.
func FromRequest(r *http.Request) string {
	return r.Header.Get(Header)
}

// Directory answers whether a tenant exists.
type Directory interface {
	TenantExists(ctx context.Context, name string) (bool, error)
}

// TAPMSClient is the tenant directory client.
type TAPMSClient struct {
	endpoint string
	client   *http.Client
}

var _ Directory = (*TAPMSClient)(nil)

// NewTAPMSClient creates a client; an empty endpoint uses the in-cluster
// default.
func NewTAPMSClient(endpoint string) *TAPMSClient {
	if endpoint == "" {
		endpoint = DefaultTAPMSEndpoint
	}
	return &TAPMSClient{
		endpoint: endpoint,
		client:   &http.Client{Timeout: 10 * time.Second},
	}
}

// TenantExists looks the tenant up in TAPMS. 404 means it does not exist;
// transient server errors are retried briefly before giving up.
func (c *TAPMSClient) TenantExists(ctx context.Context, name string) (bool, error) {
	var lastErr error
	for attempt := 0; attempt < 3; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return false, ctx.Err()
			case <-time.After(time.Duration(attempt) * 500 * time.Millisecond):
			}
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint+"/"+name, nil)
		if err != nil {
			return false, err
		}
		resp, err := c.client.Do(req)
		if err != nil {
			lastErr = err
			continue
		}
		resp.Body.Close()
		switch {
		case resp.StatusCode == http.StatusNotFound:
			return false, nil
		case resp.StatusCode < 300:
			return true, nil
		case resp.StatusCode >= 500:
			lastErr = fmt.Errorf("tenant lookup returned status %d", resp.StatusCode)
			continue
		default:
			return false, fmt.Errorf("tenant lookup returned status %d", resp.StatusCode)
		}
	}
	return false, lastErr
}

// CanRead reports whether the tenant may see the record. Admins see all;
// tenants see unowned records and their own.
func CanRead(tenant string, entry store.Entry) bool {
	if tenant == "" {
		return true
	}
	owner := store.StringField(entry, "tenant_name")
	return owner == "" || owner == tenant
}

// Filter restricts a list scan to the tenant's records. Admin gets no
// filter.
func Filter(tenant string) store.Filter {
	if tenant == "" {
		return nil
	}
	return func(entry store.Entry) bool {
		return store.StringField(entry, "tenant_name") == tenant
	}
}

// Stamp enforces ownership on a configuration write and records the owner on
// the incoming document. existing is nil for a create.
//
// A non-admin may only write records owned by their tenant (or unowned new
// ones) and may not claim any other tenant name; once set, the owner is
// immutable for non-admin writers. Admins bypass ownership and inherit the
// existing owner when the incoming document does not name one.
func Stamp(tenant string, existing, incoming store.Entry) error {
	owner := store.StringField(existing, "tenant_name")
	requested := store.StringField(incoming, "tenant_name")
	if tenant == "" {
		if requested == "" && owner != "" {
			incoming["tenant_name"] = owner
		}
		return nil
	}
	if owner != "" && owner != tenant {
		return ErrForbidden
	}
	if requested != "" && requested != tenant {
		return ErrForbidden
	}
	incoming["tenant_name"] = tenant
	return nil
}
