package qiniu

import (
	"context"
	"net/http"
	"net/url"

	"github.com/Anipaleja/cdn-defender/pkg/token"
)

// IP ACL types. ACLOff disables the list.
const (
	ACLBlack = "black"
	ACLWhite = "white"
	ACLOff   = ""
)

// IPACL is a domain's IP black/white list.
type IPACL struct {
	Type   string   `json:"ipACLType"`
	Values []string `json:"ipACLValues"`
}

// Referer is a domain's hotlink protection setting.
type Referer struct {
	Type        string   `json:"refererType"`
	Values      []string `json:"refererValues"`
	NullReferer bool     `json:"nullReferer"`
}

// HTTPS is a domain's certificate binding.
type HTTPS struct {
	CertID     string `json:"certId"`
	ForceHTTPS bool   `json:"forceHttps"`
	HTTP2      bool   `json:"http2Enable"`
}

// DomainInfo is the subset of domain settings this tool reads.
type DomainInfo struct {
	BaseResponse
	Name       string   `json:"name"`
	CName      string   `json:"cname"`
	IPACL      IPACL    `json:"ipACL"`
	Referer    *Referer `json:"referer"`
	HTTPS      *HTTPS   `json:"https"`
	CreateAt   string   `json:"createAt"`
	ModifyAt   string   `json:"modifyAt"`
	RegisterNo string   `json:"registerNo"`
}

// DomainSummary is one entry of the domain list.
type DomainSummary struct {
	Name           string `json:"name"`
	Type           string `json:"type"`
	CName          string `json:"cname"`
	Protocol       string `json:"protocol"`
	OperationType  string `json:"operationType"`
	OperatingState string `json:"operatingState"`
	CreateAt       string `json:"createAt"`
	ModifyAt       string `json:"modifyAt"`
}

type domainListResponse struct {
	BaseResponse
	Marker  string          `json:"marker"`
	Domains []DomainSummary `json:"domains"`
}

// DomainInfo fetches the settings of one domain.
func (c *Client) DomainInfo(ctx context.Context, domain string) (*DomainInfo, error) {
	u := c.DomainURL("/domain/" + url.PathEscape(domain))

	var info DomainInfo
	if err := c.Do(ctx, token.GenerationOne, http.MethodGet, u, nil, &info); err != nil {
		return nil, err
	}
	if err := CheckCode(http.MethodGet, u, info.BaseResponse); err != nil {
		return nil, err
	}
	return &info, nil
}

// SetIPACL replaces the IP ACL of domain.
func (c *Client) SetIPACL(ctx context.Context, domain string, acl IPACL) error {
	u := c.DomainURL("/domain/" + url.PathEscape(domain) + "/ipacl")
	if acl.Values == nil {
		acl.Values = []string{}
	}

	var resp BaseResponse
	if err := c.Do(ctx, token.GenerationOne, http.MethodPut, u, acl, &resp); err != nil {
		return err
	}
	return CheckCode(http.MethodPut, u, resp)
}

// ListDomains returns every normal domain on the account, following the
// pagination marker.
func (c *Client) ListDomains(ctx context.Context) ([]DomainSummary, error) {
	var all []DomainSummary
	marker := ""
	for {
		q := url.Values{}
		q.Set("types", "normal")
		q.Set("limit", "1000")
		if marker != "" {
			q.Set("marker", marker)
		}
		u := c.DomainURL("/domain?" + q.Encode())

		var resp domainListResponse
		if err := c.Do(ctx, token.GenerationOne, http.MethodGet, u, nil, &resp); err != nil {
			return nil, err
		}
		if err := CheckCode(http.MethodGet, u, resp.BaseResponse); err != nil {
			return nil, err
		}

		all = append(all, resp.Domains...)
		if resp.Marker == "" || resp.Marker == marker || len(resp.Domains) == 0 {
			return all, nil
		}
		marker = resp.Marker
	}
}
