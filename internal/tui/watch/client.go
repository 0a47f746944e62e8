package watch

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/mattjoyce/exthost/internal/events"
)

// --- Message types ---

type eventMsg events.Event

type healthMsg struct {
	Status        string `json:"status"`
	UptimeSeconds int64  `json:"uptime_seconds"`
	Extensions    int    `json:"extensions"`
	Active        int    `json:"active"`
	Errored       int    `json:"errored"`
}

// extensionInfo is the subset of GET /extensions the watch view needs.
type extensionInfo struct {
	ID         string `json:"id"`
	Version    string `json:"version"`
	State      string `json:"state"`
	LastError  string `json:"lastError"`
	Activation *struct {
		ActivationID string `json:"activation_id"`
	} `json:"activation"`
}

type extensionsMsg []extensionInfo

type tickMsg time.Time

type errMsg error

type sseDisconnectedMsg struct{ lastID int64 }
type reconnectMsg struct{}

// Client talks to a running exthost API.
type Client struct {
	BaseURL string
	Token   string
	HTTP    *http.Client
}

func (c Client) newRequest(ctx context.Context, path string) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, strings.TrimRight(c.BaseURL, "/")+path, nil)
	if err != nil {
		return nil, err
	}
	if c.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.Token)
	}
	return req, nil
}

func (c Client) getJSON(path string, out any) error {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	req, err := c.newRequest(ctx, path)
	if err != nil {
		return err
	}
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("GET %s: %s", path, resp.Status)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// --- Commands ---

// subscribeToEvents connects to GET /events, resuming after lastID, and
// feeds events into ch until the stream ends.
func (c Client) subscribeToEvents(lastID int64, ch chan<- events.Event) tea.Cmd {
	return func() tea.Msg {
		req, err := c.newRequest(context.Background(), "/events")
		if err != nil {
			return errMsg(err)
		}
		if lastID > 0 {
			req.Header.Set("Last-Event-ID", strconv.FormatInt(lastID, 10))
		}

		// The stream is long-lived; no client timeout.
		resp, err := (&http.Client{Transport: c.HTTP.Transport}).Do(req)
		if err != nil {
			return sseDisconnectedMsg{lastID: lastID}
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return errMsg(fmt.Errorf("GET /events: %s", resp.Status))
		}

		last := readSSE(resp.Body, func(e events.Event) { ch <- e })
		if last > lastID {
			lastID = last
		}
		return sseDisconnectedMsg{lastID: lastID}
	}
}

// readSSE parses a text/event-stream body and returns the last event id
// seen. Comment lines are ignored.
func readSSE(r io.Reader, emit func(events.Event)) int64 {
	var (
		lastID  int64
		current events.Event
		data    strings.Builder
	)

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()

		switch {
		case line == "":
			if data.Len() > 0 {
				current.Data = []byte(data.String())
				current.At = time.Now()
				var payload struct {
					ExtensionID string `json:"extension_id"`
				}
				if json.Unmarshal(current.Data, &payload) == nil {
					current.ExtensionID = payload.ExtensionID
				}
				if current.ID > lastID {
					lastID = current.ID
				}
				emit(current)
			}
			current = events.Event{}
			data.Reset()
		case strings.HasPrefix(line, ":"):
		case strings.HasPrefix(line, "id: "):
			if id, err := strconv.ParseInt(line[4:], 10, 64); err == nil {
				current.ID = id
			}
		case strings.HasPrefix(line, "event: "):
			current.Type = line[7:]
		case strings.HasPrefix(line, "data: "):
			if data.Len() > 0 {
				data.WriteByte('\n')
			}
			data.WriteString(line[6:])
		}
	}
	return lastID
}

// receiveNextEvent waits for the next event from the channel.
func receiveNextEvent(ch <-chan events.Event) tea.Cmd {
	return func() tea.Msg {
		return eventMsg(<-ch)
	}
}

// fetchHealth queries GET /healthz.
func (c Client) fetchHealth() tea.Msg {
	var h healthMsg
	if err := c.getJSON("/healthz", &h); err != nil {
		return errMsg(err)
	}
	return h
}

// fetchExtensions queries GET /extensions.
func (c Client) fetchExtensions() tea.Msg {
	var list []extensionInfo
	if err := c.getJSON("/extensions", &list); err != nil {
		return errMsg(err)
	}
	return extensionsMsg(list)
}
