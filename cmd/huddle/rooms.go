package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
)

type participantView struct {
	ConnID  string `json:"connId"`
	Name    string `json:"name"`
	MicOn   bool   `json:"micOn"`
	VideoOn bool   `json:"videoOn"`
}

type roomView struct {
	ID           string            `json:"id"`
	HostID       string            `json:"hostId"`
	State        string            `json:"state"`
	CreatedAt    time.Time         `json:"createdAt"`
	Participants []participantView `json:"participants"`
	Pending      int               `json:"pending"`
}

var roomsCmd = &cobra.Command{
	Use:   "rooms",
	Short: "List the rooms on the server",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
		defer cancel()

		rooms, err := fetchRooms(ctx, cfg.APIBase(), cfg.Token)
		if err != nil {
			return err
		}
		renderRooms(os.Stdout, rooms)
		return nil
	},
}

func fetchRooms(ctx context.Context, base, token string) ([]roomView, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, base+"/api/rooms", nil)
	if err != nil {
		return nil, err
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("list rooms: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		var body struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		}
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		if json.Unmarshal(raw, &body) == nil && body.Code != "" {
			return nil, fmt.Errorf("list rooms: %s: %s", body.Code, body.Message)
		}
		return nil, fmt.Errorf("list rooms: unexpected status %d", resp.StatusCode)
	}

	var rooms []roomView
	if err := json.NewDecoder(resp.Body).Decode(&rooms); err != nil {
		return nil, fmt.Errorf("list rooms: %w", err)
	}
	return rooms, nil
}

func renderRooms(out io.Writer, rooms []roomView) {
	t := table.NewWriter()
	t.SetOutputMirror(out)
	t.SetStyle(table.StyleRounded)
	t.AppendHeader(table.Row{"Room", "State", "Host", "Participants", "Pending", "Age"})
	for _, r := range rooms {
		host := r.HostID
		names := make([]string, 0, len(r.Participants))
		for _, p := range r.Participants {
			names = append(names, p.Name+mediaMarks(p))
			if p.ConnID == r.HostID && p.Name != "" {
				host = p.Name
			}
		}
		t.AppendRow(table.Row{
			r.ID,
			r.State,
			host,
			strings.Join(names, ", "),
			r.Pending,
			time.Since(r.CreatedAt).Truncate(time.Second),
		})
	}
	t.AppendFooter(table.Row{"", "", "", "Total", len(rooms), ""})
	t.Render()
}

func mediaMarks(p participantView) string {
	var marks []string
	if !p.MicOn {
		marks = append(marks, "muted")
	}
	if !p.VideoOn {
		marks = append(marks, "no video")
	}
	if len(marks) == 0 {
		return ""
	}
	return " (" + strings.Join(marks, ", ") + ")"
}
