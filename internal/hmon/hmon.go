//go:build linux

// Package hmon renders the host and directory status of a running setup as
// a static HTML page. It is a read-only consumer of the FSA and FRA tables.
package hmon

import (
	"fmt"
	"html/template"
	"io"
	"strconv"
	"time"

	"github.com/afd-plus/afd-plus/internal/store/constants"
	"github.com/afd-plus/afd-plus/internal/store/table"
)

type hostRow struct {
	Position     int
	Alias        string
	RealHostname string
	ErrorCounter uint32
	Active       uint32
	Allowed      uint32
	Files        uint32
	Bytes        int64
	Status       string
}

type dirRow struct {
	Position int
	Alias    string
	Location string
	Paused   bool
}

type pageData struct {
	Generated string
	Hosts     []hostRow
	Dirs      []dirRow
}

var page = template.Must(template.New("hmon").Parse(`<!DOCTYPE html>
<html>
<head><title>afd-plus host monitor</title></head>
<body>
<h1>Host status</h1>
<p>Generated {{.Generated}}</p>
<table border="1">
<tr><th>Pos</th><th>Alias</th><th>Host</th><th>Errors</th><th>Transfers</th><th>Files</th><th>Bytes</th><th>Status</th></tr>
{{range .Hosts}}<tr><td>{{.Position}}</td><td>{{.Alias}}</td><td>{{.RealHostname}}</td><td>{{.ErrorCounter}}</td><td>{{.Active}}/{{.Allowed}}</td><td>{{.Files}}</td><td>{{.Bytes}}</td><td>{{.Status}}</td></tr>
{{end}}</table>
<h1>Directories</h1>
<table border="1">
<tr><th>Pos</th><th>Alias</th><th>Location</th><th>State</th></tr>
{{range .Dirs}}<tr><td>{{.Position}}</td><td>{{.Alias}}</td><td>{{.Location}}</td><td>{{if .Paused}}paused{{else}}active{{end}}</td></tr>
{{end}}</table>
</body>
</html>
`))

// Monitor holds the attached tables.
type Monitor struct {
	fsa *table.Table
	fra *table.Table
}

// Attach opens the status tables of the work dir read side.
func Attach(work string) (*Monitor, error) {
	fsa, err := table.AttachFSA(constants.FSAFile(work))
	if err != nil {
		return nil, fmt.Errorf("Attach: error attaching host table -> %w", err)
	}
	fra, err := table.AttachFRA(constants.FRAFile(work))
	if err != nil {
		fsa.Detach()
		return nil, fmt.Errorf("Attach: error attaching directory table -> %w", err)
	}
	return &Monitor{fsa: fsa, fra: fra}, nil
}

func (m *Monitor) Close() error {
	err1 := m.fsa.Detach()
	err2 := m.fra.Detach()
	if err1 != nil {
		return err1
	}
	return err2
}

// Render writes the status page. selector picks one host by alias or by
// numeric position; empty selects everything.
func (m *Monitor) Render(w io.Writer, selector string) error {
	data := pageData{Generated: time.Now().Format(time.RFC1123)}

	want := -1
	if selector != "" {
		if n, err := strconv.Atoi(selector); err == nil {
			want = n
		} else {
			want = table.FindHost(m.fsa, selector)
			if want < 0 {
				return fmt.Errorf("Render: unknown host %q", selector)
			}
		}
	}

	for i := 0; i < m.fsa.Count(); i++ {
		if want >= 0 && i != want {
			continue
		}
		raw, err := m.fsa.Record(i)
		if err != nil {
			return fmt.Errorf("Render: error reading host %d -> %w", i, err)
		}
		var rec table.HostRecord
		rec.Decode(raw)
		data.Hosts = append(data.Hosts, hostRow{
			Position:     i,
			Alias:        rec.Alias,
			RealHostname: rec.RealHostname[rec.HostToggle&1],
			ErrorCounter: rec.ErrorCounter,
			Active:       rec.ActiveTransfers,
			Allowed:      rec.AllowedTransfers,
			Files:        rec.TotalFileCounter,
			Bytes:        rec.TotalFileSize,
			Status:       hostStatus(rec.HostStatus),
		})
	}

	if want < 0 {
		for i := 0; i < m.fra.Count(); i++ {
			raw, err := m.fra.Record(i)
			if err != nil {
				return fmt.Errorf("Render: error reading directory %d -> %w", i, err)
			}
			var rec table.RetrieveRecord
			rec.Decode(raw)
			data.Dirs = append(data.Dirs, dirRow{
				Position: i,
				Alias:    rec.Alias,
				Location: rec.URL,
				Paused:   rec.Flags&table.FraDisabled != 0,
			})
		}
	}

	return page.Execute(w, data)
}

func hostStatus(bits uint32) string {
	switch {
	case bits&constants.HostErrorOffline != 0:
		return "offline"
	case bits&constants.HostPaused != 0:
		return "paused"
	default:
		return "ok"
	}
}
