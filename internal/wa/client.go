// Package wa wraps the whatsmeow client with the operations the connection
// supervisor needs: dialing, readiness probes, credential wipes and sends.
package wa

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/store/sqlstore"
	"go.mau.fi/whatsmeow/types"
	waLog "go.mau.fi/whatsmeow/util/log"

	_ "github.com/mattn/go-sqlite3"
)

// Common errors
var (
	ErrNotConnected = errors.New("not connected to WhatsApp")
	ErrNotLoggedIn  = errors.New("not logged in")
)

// Client wraps whatsmeow. Each Dial builds a fresh socket client; the
// credential container is shared across dials.
type Client struct {
	container *sqlstore.Container
	log       *slog.Logger

	mu      sync.RWMutex
	client  *whatsmeow.Client
	handler func(any)
}

// NewClient opens the credential store at storePath.
func NewClient(ctx context.Context, storePath string, log *slog.Logger) (*Client, error) {
	if err := os.MkdirAll(filepath.Dir(storePath), 0755); err != nil {
		return nil, fmt.Errorf("failed to create store directory: %w", err)
	}

	dbLog := &slogAdapter{log: log.With("component", "whatsmeow-db")}
	container, err := sqlstore.New(ctx, "sqlite3", fmt.Sprintf("file:%s?_foreign_keys=on", storePath), dbLog)
	if err != nil {
		return nil, fmt.Errorf("failed to open credential store: %w", err)
	}

	return &Client{container: container, log: log}, nil
}

// OnEvent registers the handler that receives all provider events. Must be
// called before the first Dial.
func (c *Client) OnEvent(handler func(any)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handler = handler
}

// Dial opens a new socket to WhatsApp. When no session exists, QR codes
// arrive through the event handler. The supervisor owns reconnection, so
// whatsmeow's automatic reconnect is disabled.
func (c *Client) Dial(ctx context.Context) error {
	c.mu.Lock()

	if c.client != nil && c.client.IsConnected() {
		c.mu.Unlock()
		return nil
	}
	if c.client != nil {
		// Detach the superseded socket's listeners before replacing it, so
		// it can never feed events into the new session.
		c.client.RemoveEventHandlers()
		c.client.Disconnect()
	}

	deviceStore, err := c.container.GetFirstDevice(ctx)
	if err != nil {
		c.mu.Unlock()
		return fmt.Errorf("failed to get device store: %w", err)
	}

	clientLog := &slogAdapter{log: c.log.With("component", "whatsmeow")}
	client := whatsmeow.NewClient(deviceStore, clientLog)
	client.EnableAutoReconnect = false
	client.AddEventHandler(c.dispatch)
	c.client = client
	c.mu.Unlock()

	if err := client.Connect(); err != nil {
		return fmt.Errorf("failed to connect: %w", err)
	}
	return nil
}

func (c *Client) dispatch(evt any) {
	c.mu.RLock()
	handler := c.handler
	c.mu.RUnlock()
	if handler != nil {
		handler(evt)
	}
}

// Disconnect closes the socket, keeping credentials.
func (c *Client) Disconnect() {
	c.mu.RLock()
	client := c.client
	c.mu.RUnlock()
	if client != nil {
		client.Disconnect()
	}
}

// IsConnected returns true if the socket is up.
func (c *Client) IsConnected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.client != nil && c.client.IsConnected()
}

// IsLoggedIn returns true if a session exists in the credential store.
func (c *Client) IsLoggedIn() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.client != nil && c.client.Store.ID != nil
}

// IsReady returns true if the client is connected and logged in. This is the
// readiness probe the heartbeat uses.
func (c *Client) IsReady() bool {
	return c.IsConnected() && c.IsLoggedIn()
}

// HasSession reports whether stored credentials exist, without dialing.
func (c *Client) HasSession(ctx context.Context) bool {
	device, err := c.container.GetFirstDevice(ctx)
	return err == nil && device.ID != nil
}

// WipeCredentials logs out when possible and deletes the stored device, so
// the next Dial starts a fresh QR pairing.
func (c *Client) WipeCredentials(ctx context.Context) error {
	c.mu.Lock()
	client := c.client
	c.client = nil
	c.mu.Unlock()

	if client != nil {
		client.RemoveEventHandlers()
		if client.IsConnected() && client.Store.ID != nil {
			if err := client.Logout(ctx); err != nil {
				c.log.Warn("logout failed, deleting device store directly", "error", err)
			} else {
				return nil
			}
		}
		client.Disconnect()
	}

	device, err := c.container.GetFirstDevice(ctx)
	if err != nil {
		return fmt.Errorf("failed to get device store: %w", err)
	}
	if device.ID == nil {
		return nil
	}
	if err := device.Delete(ctx); err != nil {
		return fmt.Errorf("failed to delete device store: %w", err)
	}
	return nil
}

// SendText sends a plain text message and returns the provider message ID.
func (c *Client) SendText(ctx context.Context, jid string, text string) (string, error) {
	c.mu.RLock()
	client := c.client
	c.mu.RUnlock()

	if client == nil || !client.IsConnected() {
		return "", ErrNotConnected
	}
	if client.Store.ID == nil {
		return "", ErrNotLoggedIn
	}

	recipient, err := types.ParseJID(jid)
	if err != nil {
		return "", fmt.Errorf("invalid JID: %w", err)
	}

	resp, err := client.SendMessage(ctx, recipient, &waE2E.Message{
		Conversation: &text,
	})
	if err != nil {
		return "", fmt.Errorf("failed to send message: %w", err)
	}
	return resp.ID, nil
}

// Download fetches the media payload of a message part.
func (c *Client) Download(ctx context.Context, msg whatsmeow.DownloadableMessage) ([]byte, error) {
	c.mu.RLock()
	client := c.client
	c.mu.RUnlock()

	if client == nil {
		return nil, ErrNotConnected
	}
	return client.Download(ctx, msg)
}

// Close disconnects and releases the credential store.
func (c *Client) Close() error {
	c.Disconnect()
	if c.container != nil {
		return c.container.Close()
	}
	return nil
}

// slogAdapter adapts slog.Logger to whatsmeow's log interface.
type slogAdapter struct {
	log *slog.Logger
}

func (s *slogAdapter) Debugf(msg string, args ...interface{}) {
	s.log.Debug(fmt.Sprintf(msg, args...))
}

func (s *slogAdapter) Infof(msg string, args ...interface{}) {
	s.log.Info(fmt.Sprintf(msg, args...))
}

func (s *slogAdapter) Warnf(msg string, args ...interface{}) {
	s.log.Warn(fmt.Sprintf(msg, args...))
}

func (s *slogAdapter) Errorf(msg string, args ...interface{}) {
	s.log.Error(fmt.Sprintf(msg, args...))
}

func (s *slogAdapter) Sub(module string) waLog.Logger {
	return &slogAdapter{log: s.log.With("module", module)}
}

var _ waLog.Logger = (*slogAdapter)(nil)
