package gateway

import (
	"net/http"
	"time"
)

// Status is the /status report.
type Status struct {
	Instance    string `json:"instance"`
	Uptime      string `json:"uptime"`
	UptimeSecs  int64  `json:"uptimeSeconds"`
	Sessions    int    `json:"sessions"`
	Viewers     int    `json:"viewers"`
	Connections int    `json:"connections"`
	Transfers   int    `json:"transfers"`
	SFTP        int    `json:"sftp"`
	History     bool   `json:"history"`
}

func (g *Gateway) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (g *Gateway) handleStatus(w http.ResponseWriter, _ *http.Request) {
	up := time.Since(g.started)
	sessions, viewers := g.broker.Count()
	writeOK(w, "", Status{
		Instance:    g.broker.Instance(),
		Uptime:      up.Round(time.Second).String(),
		UptimeSecs:  int64(up.Seconds()),
		Sessions:    sessions,
		Viewers:     viewers,
		Connections: g.ConnCount(""),
		Transfers:   len(g.transfers.Active()),
		SFTP:        g.engines.Len(),
		History:     g.history.Enabled(),
	})
}
