package common

import (
	"net/url"
	"strings"

	"github.com/wangscript007/ecmedia/common/errs"
	"github.com/wangscript007/ecmedia/utils"
)

// Info describes the publish target.
type Info struct {
	Domain     string
	Host       string // dial address, always host:port
	App        string
	StreamName string // publish name, query string included
	ID         string // stream name without the query
	TcURL      string
	RawURL     string
}

// ParseURL splits an rtmp url into app and stream name.
// Both "/app/stream" and "/app/inst/stream" paths are accepted.
func ParseURL(rawurl string) (info Info, err error) {
	u, err := url.Parse(rawurl)
	if err != nil {
		return info, errs.Wrapf(errs.ErrInvalidURL, "%s: %v", rawurl, err)
	}
	if u.Scheme != "rtmp" {
		return info, errs.Wrapf(errs.ErrInvalidURL, "%s: unsupported scheme %q", rawurl, u.Scheme)
	}
	if u.Host == "" {
		return info, errs.Wrapf(errs.ErrInvalidURL, "%s: missing host", rawurl)
	}

	ss := strings.Split(strings.Trim(u.Path, "/"), "/")
	if len(ss) < 2 || ss[0] == "" || ss[len(ss)-1] == "" {
		return info, errs.Wrapf(errs.ErrInvalidURL, "%s: path must be /app/stream", rawurl)
	}
	app := strings.Join(ss[:len(ss)-1], "/")
	stream := ss[len(ss)-1]
	if u.RawQuery != "" {
		stream += "?" + u.RawQuery
	}

	tc := *u
	tc.Path = "/" + app
	tc.RawQuery = ""
	tc.ForceQuery = false

	info = Info{
		Domain:     utils.PeelOffPort1935(u.Host),
		Host:       utils.RepairHostWithPort1935(u.Host),
		App:        app,
		StreamName: stream,
		ID:         ss[len(ss)-1],
		TcURL:      tc.String(),
		RawURL:     rawurl,
	}
	return info, nil
}
