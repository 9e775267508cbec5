package daemon

import (
	"time"

	"github.com/standardbeagle/devbridge/internal/relay"
)

// Info is a point-in-time view of the daemon.
type Info struct {
	Version   string `json:"version"`
	BuildTime string `json:"build_time,omitempty"`
	GitCommit string `json:"git_commit,omitempty"`
	Running   bool   `json:"running"`
	Uptime    string `json:"uptime,omitempty"`

	Browser BrowserInfo `json:"browser"`
	Hub     *HubInfo    `json:"hub,omitempty"`

	Strategies []string `json:"strategies,omitempty"`
}

// BrowserInfo describes the DevTools connection pool.
type BrowserInfo struct {
	Endpoint    string `json:"endpoint"`
	OpenSession int64  `json:"open_sessions"`
	TotalDials  int64  `json:"total_dials"`
}

// HubInfo describes the relay side.
type HubInfo struct {
	Addr       string              `json:"addr"`
	BundleURL  string              `json:"bundle_url"`
	Forwarders int                 `json:"forwarders"`
	Pending    []relay.PendingInfo `json:"pending"`
}

// Info returns daemon information.
func (d *Daemon) Info() Info {
	open, dialed := d.browser.Stats()
	info := Info{
		Version:   Version,
		BuildTime: BuildTime,
		GitCommit: GitCommit,
		Browser: BrowserInfo{
			Endpoint:    d.browser.Endpoint(),
			OpenSession: open,
			TotalDials:  dialed,
		},
	}

	if c := d.Controller(); c != nil {
		info.Running = true
		info.Uptime = d.clock.Since(d.started).Round(time.Second).String()
		info.Strategies = c.Strategies()
	}
	if d.hub != nil {
		hi := &HubInfo{
			Addr:       d.hub.Addr(),
			BundleURL:  d.hub.BundleURL(),
			Forwarders: d.hub.Clients(),
			Pending:    []relay.PendingInfo{},
		}
		if d.relay != nil {
			hi.Pending = d.relay.Snapshot()
		}
		info.Hub = hi
	}
	return info
}
