package firewall

import (
	"context"

	"github.com/Anipaleja/cdn-defender/internal/qiniu"
)

// CDNBackend stores the ACL in the domain settings of the CDN.
type CDNBackend struct {
	client *qiniu.Client
}

// NewCDNBackend creates a backend over the domain management API.
func NewCDNBackend(client *qiniu.Client) *CDNBackend {
	return &CDNBackend{client: client}
}

func (b *CDNBackend) Name() string {
	return "cdn"
}

func (b *CDNBackend) Current(ctx context.Context, domain string) (ACL, error) {
	info, err := b.client.DomainInfo(ctx, domain)
	if err != nil {
		return ACL{}, err
	}
	return ACL{Mode: Mode(info.IPACL.Type), Entries: info.IPACL.Values}, nil
}

func (b *CDNBackend) Apply(ctx context.Context, domain string, acl ACL) error {
	return b.client.SetIPACL(ctx, domain, qiniu.IPACL{Type: string(acl.Mode), Values: acl.Entries})
}
