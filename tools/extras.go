package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/viant/afs"
	"github.com/viant/afs/file"
	afsurl "github.com/viant/afs/url"
)

const (
	fetchLimit          = 100 * 1024
	fetchDefaultTimeout = 30 * time.Second
	fetchMaxTimeout     = 120 * time.Second
)

// ExtraOptions configures the todos, memory and web_fetch tools.
type ExtraOptions struct {
	// MemoryURL is the afs URL or local path of the memory JSON file. The
	// memory tool is skipped when empty.
	MemoryURL string
	// HTTPClient serves web_fetch. nil uses a client with no overall timeout;
	// each call bounds itself.
	HTTPClient *http.Client
	// Service replaces the afs service, mostly for tests.
	Service afs.Service
}

// RegisterExtras registers todos, memory and web_fetch. The todo list lives
// as long as reg.
func RegisterExtras(reg *Registry, opts ExtraOptions) {
	reg.Register(todosTool(newTodoList()))
	if opts.MemoryURL != "" {
		fs := opts.Service
		if fs == nil {
			fs = afs.New()
		}
		reg.Register(memoryTool(&memoryStore{fs: fs, url: localURL(opts.MemoryURL)}))
	}
	client := opts.HTTPClient
	if client == nil {
		client = &http.Client{}
	}
	reg.Register(webFetchTool(client))
}

func localURL(location string) string {
	if afsurl.Scheme(location, "") != "" {
		return location
	}
	if abs, err := filepath.Abs(location); err == nil {
		location = abs
	}
	return "file://" + location
}

type todoList struct {
	mu    sync.Mutex
	order []string
	items map[string]string
}

func newTodoList() *todoList {
	return &todoList{items: map[string]string{}}
}

func todosTool(list *todoList) Tool {
	return Tool{
		Descriptor: Descriptor{
			Name:        "todos",
			Description: "Manage a task list for the current session. Use it to track progress on multi-step tasks.",
			Parameters: object([]string{"action"}, map[string]interface{}{
				"action":  prop("string", "One of add, complete, list, clear."),
				"id":      prop("string", "Todo id (for complete)."),
				"content": prop("string", "Todo text (for add)."),
			}),
		},
		Invoke: func(_ context.Context, raw json.RawMessage) (string, error) {
			args, err := ParseArgs(raw)
			if err != nil {
				return "", err
			}
			action, err := args.RequireString("action")
			if err != nil {
				return "", err
			}
			list.mu.Lock()
			defer list.mu.Unlock()

			switch strings.ToLower(action) {
			case "add":
				content, err := args.RequireString("content")
				if err != nil {
					return "", err
				}
				id := uuid.NewString()[:8]
				list.items[id] = content
				list.order = append(list.order, id)
				return fmt.Sprintf("Added todo [%s]: %s", id, content), nil
			case "complete":
				id, err := args.RequireString("id")
				if err != nil {
					return "", err
				}
				content, ok := list.items[id]
				if !ok {
					return "", errors.Errorf("todo not found: %s", id)
				}
				delete(list.items, id)
				for i, v := range list.order {
					if v == id {
						list.order = append(list.order[:i], list.order[i+1:]...)
						break
					}
				}
				return fmt.Sprintf("Completed todo [%s]: %s", id, content), nil
			case "list":
				if len(list.order) == 0 {
					return "No todos", nil
				}
				lines := []string{"Todos:"}
				for _, id := range list.order {
					lines = append(lines, fmt.Sprintf("  [%s] %s", id, list.items[id]))
				}
				return strings.Join(lines, "\n"), nil
			case "clear":
				n := len(list.order)
				list.order = nil
				list.items = map[string]string{}
				return fmt.Sprintf("Cleared %d todos", n), nil
			default:
				return "", errors.Errorf("unknown action: %s", action)
			}
		},
	}
}

// memoryStore is a JSON object of string entries kept in one file.
type memoryStore struct {
	mu  sync.Mutex
	fs  afs.Service
	url string
}

type memoryFile struct {
	Entries map[string]string `json:"entries"`
}

func (m *memoryStore) load(ctx context.Context) (memoryFile, error) {
	doc := memoryFile{Entries: map[string]string{}}
	ok, err := m.fs.Exists(ctx, m.url)
	if err != nil {
		return doc, errors.Wrapf(err, "stat %s", m.url)
	}
	if !ok {
		return doc, nil
	}
	data, err := m.fs.DownloadWithURL(ctx, m.url)
	if err != nil {
		return doc, errors.Wrapf(err, "download %s", m.url)
	}
	if err := json.Unmarshal(data, &doc); err != nil {
		return doc, errors.Wrapf(err, "decode %s", m.url)
	}
	if doc.Entries == nil {
		doc.Entries = map[string]string{}
	}
	return doc, nil
}

func (m *memoryStore) save(ctx context.Context, doc memoryFile) error {
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return errors.Wrap(err, "encode memory")
	}
	parent, _ := afsurl.Split(m.url, file.Scheme)
	if ok, _ := m.fs.Exists(ctx, parent); !ok {
		if err := m.fs.Create(ctx, parent, file.DefaultDirOsMode, true); err != nil {
			return errors.Wrapf(err, "create %s", parent)
		}
	}
	if err := m.fs.Upload(ctx, m.url, file.DefaultFileOsMode, bytes.NewReader(data)); err != nil {
		return errors.Wrapf(err, "upload %s", m.url)
	}
	return nil
}

func memoryTool(store *memoryStore) Tool {
	return Tool{
		Descriptor: Descriptor{
			Name:        "memory",
			Description: "Store and retrieve notes that persist across sessions, such as user preferences or project facts.",
			Parameters: object([]string{"action"}, map[string]interface{}{
				"action": prop("string", "One of set, get, delete, list, clear."),
				"key":    prop("string", "Memory key (for set, get, delete)."),
				"value":  prop("string", "Value to store (for set)."),
			}),
		},
		Invoke: func(ctx context.Context, raw json.RawMessage) (string, error) {
			args, err := ParseArgs(raw)
			if err != nil {
				return "", err
			}
			action, err := args.RequireString("action")
			if err != nil {
				return "", err
			}
			store.mu.Lock()
			defer store.mu.Unlock()

			doc, err := store.load(ctx)
			if err != nil {
				return "", err
			}
			switch strings.ToLower(action) {
			case "set":
				key, err := args.RequireString("key")
				if err != nil {
					return "", err
				}
				value, err := args.RequireString("value")
				if err != nil {
					return "", err
				}
				doc.Entries[key] = value
				if err := store.save(ctx, doc); err != nil {
					return "", err
				}
				return "Set memory: " + key, nil
			case "get":
				key, err := args.RequireString("key")
				if err != nil {
					return "", err
				}
				value, ok := doc.Entries[key]
				if !ok {
					return "Memory not found: " + key, nil
				}
				return fmt.Sprintf("%s: %s", key, value), nil
			case "delete":
				key, err := args.RequireString("key")
				if err != nil {
					return "", err
				}
				if _, ok := doc.Entries[key]; !ok {
					return "Memory not found: " + key, nil
				}
				delete(doc.Entries, key)
				if err := store.save(ctx, doc); err != nil {
					return "", err
				}
				return "Deleted memory: " + key, nil
			case "list":
				if len(doc.Entries) == 0 {
					return "No memories stored", nil
				}
				keys := make([]string, 0, len(doc.Entries))
				for k := range doc.Entries {
					keys = append(keys, k)
				}
				sort.Strings(keys)
				lines := []string{"Stored memories:"}
				for _, k := range keys {
					lines = append(lines, fmt.Sprintf("  %s: %s", k, doc.Entries[k]))
				}
				return strings.Join(lines, "\n"), nil
			case "clear":
				n := len(doc.Entries)
				if err := store.save(ctx, memoryFile{Entries: map[string]string{}}); err != nil {
					return "", err
				}
				return fmt.Sprintf("Cleared %d memory entries", n), nil
			default:
				return "", errors.Errorf("unknown action: %s", action)
			}
		},
	}
}

// webFetchTool is marked mutating so the approval gate asks before the agent
// reaches the network.
func webFetchTool(client *http.Client) Tool {
	return Tool{
		Descriptor: Descriptor{
			Name:        "web_fetch",
			Description: "Fetch a URL over http or https and return the response body as text.",
			Parameters: object([]string{"url"}, map[string]interface{}{
				"url":     prop("string", "URL to fetch."),
				"timeout": prop("integer", "Timeout in seconds, 5 to 120. Default: 30."),
			}),
			Mutating:     true,
			ParallelSafe: true,
		},
		Invoke: func(ctx context.Context, raw json.RawMessage) (string, error) {
			args, err := ParseArgs(raw)
			if err != nil {
				return "", err
			}
			target, err := args.RequireString("url")
			if err != nil {
				return "", err
			}
			u, err := url.Parse(target)
			if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
				return "", errors.Errorf("url must be http:// or https://: %s", target)
			}
			timeout := fetchDefaultTimeout
			if s, ok := args.Int("timeout"); ok && s > 0 {
				timeout = time.Duration(s) * time.Second
				if timeout < 5*time.Second {
					timeout = 5 * time.Second
				}
				if timeout > fetchMaxTimeout {
					timeout = fetchMaxTimeout
				}
			}

			ctx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()
			req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
			if err != nil {
				return "", errors.Wrap(err, "build request")
			}
			resp, err := client.Do(req)
			if err != nil {
				return "", errors.Wrap(err, "request failed")
			}
			defer resp.Body.Close()
			if resp.StatusCode >= 400 {
				return "", errors.Errorf("HTTP %s", resp.Status)
			}
			body, err := io.ReadAll(io.LimitReader(resp.Body, fetchLimit+1))
			if err != nil {
				return "", errors.Wrap(err, "read body")
			}
			if len(body) > fetchLimit {
				body = body[:fetchLimit]
				for i := 0; i < utf8.UTFMax && !utf8.Valid(body); i++ {
					body = body[:len(body)-1]
				}
				return string(body) + "\n... [content truncated]", nil
			}
			return string(body), nil
		},
	}
}
