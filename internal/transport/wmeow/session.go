package wmeow

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"

	"go.mau.fi/whatsmeow"
	waE2E "go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/store/sqlstore"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"
	"google.golang.org/protobuf/proto"

	"github.com/freewahq/freewa/internal/transport"
)

// maxImageBytes bounds a fetched image body.
const maxImageBytes = 16 << 20

// session is one live whatsmeow connection translated to the transport
// contract. All emits go through the mutex so the event channel is closed
// exactly once, after the final ConnectionClosed.
type session struct {
	deviceID  string
	client    *whatsmeow.Client
	container *sqlstore.Container
	handlerID uint32

	mu     sync.Mutex
	closed bool
	events chan transport.Event
}

func newSession(deviceID string, client *whatsmeow.Client, container *sqlstore.Container) *session {
	s := &session{
		deviceID:  deviceID,
		client:    client,
		container: container,
		events:    make(chan transport.Event, 64),
	}
	s.handlerID = client.AddEventHandler(s.handleEvent)
	return s
}

func (s *session) Events() <-chan transport.Event {
	return s.events
}

// Terminate closes the connection and releases the credential container.
// The final ConnectionClosed is emitted here because whatsmeow does not
// fire a disconnect event for a locally initiated disconnect.
func (s *session) Terminate() {
	s.finalClose(errors.New("terminated"), false)
	s.release()
}

func (s *session) release() {
	s.client.RemoveEventHandler(s.handlerID)
	s.client.Disconnect()
	s.container.Close()
}

func (s *session) emit(ev transport.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.events <- ev
}

func (s *session) finalClose(reason error, isLogout bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.events <- transport.ConnectionClosed{Reason: reason, IsLogout: isLogout}
	s.closed = true
	close(s.events)
}

func (s *session) handleEvent(evt any) {
	switch v := evt.(type) {
	case *events.Connected:
		phone := ""
		if id := s.client.Store.ID; id != nil {
			phone = id.User
		}
		s.emit(transport.ConnectionOpened{PhoneNumber: phone})

	case *events.Disconnected:
		s.finalClose(errors.New("server closed the connection"), false)

	case *events.StreamReplaced:
		s.finalClose(errors.New("stream replaced by another session"), false)

	case *events.LoggedOut:
		s.finalClose(fmt.Errorf("logged out: %v", v.Reason), true)

	case *events.ConnectFailure:
		s.finalClose(fmt.Errorf("connect failure: %v", v.Reason), v.Reason == events.ConnectFailureLoggedOut)

	case *events.TemporaryBan:
		s.finalClose(fmt.Errorf("temporary ban: %v", v.Code), false)

	case *events.Message:
		s.emit(transport.MessageReceived{Envelope: transport.Envelope{
			From:       v.Info.Chat.String(),
			SenderName: v.Info.PushName,
			Text:       extractText(v.Message),
			Timestamp:  v.Info.Timestamp,
			FromSelf:   v.Info.IsFromMe,
		}})
	}
}

// pumpQR forwards pairing codes from whatsmeow's QR channel. The channel
// ends on success (a Connected event follows) or on timeout.
func (s *session) pumpQR(ch <-chan whatsmeow.QRChannelItem) {
	for item := range ch {
		switch item.Event {
		case "code":
			s.emit(transport.QRReceived{Code: item.Code})
		case "success":
			// Connected event carries the rest.
		case "timeout":
			s.finalClose(errors.New("pairing timed out"), false)
		}
	}
}

// extractText pulls displayable text out of the message variants the
// gateway forwards; anything else yields "".
func extractText(msg *waE2E.Message) string {
	if msg == nil {
		return ""
	}
	if t := msg.GetConversation(); t != "" {
		return t
	}
	if t := msg.GetExtendedTextMessage().GetText(); t != "" {
		return t
	}
	return msg.GetImageMessage().GetCaption()
}

func (s *session) SendText(ctx context.Context, recipient, text string) error {
	jid, err := types.ParseJID(recipient)
	if err != nil {
		return fmt.Errorf("parse recipient %q: %w", recipient, err)
	}
	_, err = s.client.SendMessage(ctx, jid, &waE2E.Message{
		Conversation: proto.String(text),
	})
	if err != nil {
		return fmt.Errorf("send message: %w", err)
	}
	return nil
}

func (s *session) SendImage(ctx context.Context, recipient, url, caption string) error {
	jid, err := types.ParseJID(recipient)
	if err != nil {
		return fmt.Errorf("parse recipient %q: %w", recipient, err)
	}

	data, mimeType, err := fetchImage(ctx, url)
	if err != nil {
		return err
	}

	uploaded, err := s.client.Upload(ctx, data, whatsmeow.MediaImage)
	if err != nil {
		return fmt.Errorf("upload image: %w", err)
	}

	msg := &waE2E.Message{ImageMessage: &waE2E.ImageMessage{
		URL:           proto.String(uploaded.URL),
		DirectPath:    proto.String(uploaded.DirectPath),
		MediaKey:      uploaded.MediaKey,
		Mimetype:      proto.String(mimeType),
		FileEncSHA256: uploaded.FileEncSHA256,
		FileSHA256:    uploaded.FileSHA256,
		FileLength:    proto.Uint64(uploaded.FileLength),
		Caption:       proto.String(caption),
	}}
	if _, err := s.client.SendMessage(ctx, jid, msg); err != nil {
		return fmt.Errorf("send image: %w", err)
	}
	return nil
}

func fetchImage(ctx context.Context, url string) ([]byte, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, "", fmt.Errorf("build image request: %w", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("fetch image: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, "", fmt.Errorf("fetch image: unexpected status %d", resp.StatusCode)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxImageBytes))
	if err != nil {
		return nil, "", fmt.Errorf("read image body: %w", err)
	}

	mimeType := resp.Header.Get("Content-Type")
	if mimeType == "" {
		mimeType = http.DetectContentType(data)
	}
	return data, mimeType, nil
}
