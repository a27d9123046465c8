package imapx

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net"
	"strconv"

	imapv2 "github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"
)

// Client dials sessions against a real IMAP server.
type Client struct {
	opts Options
}

// NewClient validates the options and returns a dialer for them.
func NewClient(opts Options) (*Client, error) {
	if opts.Host == "" {
		return nil, fmt.Errorf("imap host is empty")
	}
	if opts.Port <= 0 || opts.Port > 65535 {
		return nil, fmt.Errorf("imap port must be between 1 and 65535")
	}
	return &Client{opts: opts}, nil
}

// Dial implements Dialer. Connection and authentication failures are
// reported as ErrConnect.
func (c *Client) Dial(ctx context.Context) (Session, error) {
	address := net.JoinHostPort(c.opts.Host, strconv.Itoa(c.opts.Port))
	options := &imapclient.Options{}

	if c.opts.UseTLS {
		options.TLSConfig = &tls.Config{
			ServerName:         c.opts.Host,
			InsecureSkipVerify: c.opts.InsecureSkipVerify,
		}
	}

	var (
		client *imapclient.Client
		err    error
	)
	if c.opts.UseTLS {
		client, err = imapclient.DialTLS(address, options)
	} else {
		client, err = imapclient.DialInsecure(address, options)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: dial %s: %v", ErrConnect, address, err)
	}

	if err := client.Login(c.opts.Username, c.opts.Password).Wait(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("%w: login %s: %v", ErrConnect, c.opts.Username, err)
	}

	if c.opts.Logger != nil {
		c.opts.Logger.Debug("imap connection established",
			"address", address, "user", c.opts.Username, "tls", c.opts.UseTLS)
	}

	stopClose := context.AfterFunc(ctx, func() {
		_ = client.Close()
	})

	return &session{client: client, stopClose: stopClose, logger: c.opts.Logger}, nil
}

type session struct {
	client    *imapclient.Client
	stopClose func() bool
	logger    *slog.Logger
}

func (s *session) ListFolders() ([]string, error) {
	mailboxes, err := s.client.List("", "*", nil).Collect()
	if err != nil {
		return nil, fmt.Errorf("%w: list folders: %v", ErrConnect, err)
	}
	names := make([]string, 0, len(mailboxes))
	for _, mbox := range mailboxes {
		names = append(names, mbox.Mailbox)
	}
	return names, nil
}

func (s *session) Select(folder string) (uint32, error) {
	data, err := s.client.Select(folder, &imapv2.SelectOptions{ReadOnly: true}).Wait()
	if err != nil {
		return 0, fmt.Errorf("%w: select %q: %v", ErrConnect, folder, err)
	}
	return data.NumMessages, nil
}

func (s *session) SearchAll() ([]uint32, error) {
	data, err := s.client.UIDSearch(&imapv2.SearchCriteria{}, nil).Wait()
	if err != nil {
		return nil, fmt.Errorf("%w: uid search: %v", ErrConnect, err)
	}
	found := data.AllUIDs()
	uids := make([]uint32, 0, len(found))
	for _, uid := range found {
		uids = append(uids, uint32(uid))
	}
	return uids, nil
}

func (s *session) FetchSizes(uids []uint32) (map[uint32]int64, error) {
	if len(uids) == 0 {
		return map[uint32]int64{}, nil
	}
	msgs, err := s.client.Fetch(uidSet(uids), &imapv2.FetchOptions{
		UID:        true,
		RFC822Size: true,
	}).Collect()
	if err != nil {
		return nil, fmt.Errorf("%w: fetch sizes: %v", ErrConnect, err)
	}

	sizes := make(map[uint32]int64, len(msgs))
	for _, msg := range msgs {
		sizes[uint32(msg.UID)] = msg.RFC822Size
	}
	return sizes, nil
}

func (s *session) FetchFull(uids []uint32) (map[uint32][]byte, error) {
	if len(uids) == 0 {
		return map[uint32][]byte{}, nil
	}
	bodySection := &imapv2.FetchItemBodySection{}
	msgs, err := s.client.Fetch(uidSet(uids), &imapv2.FetchOptions{
		UID:         true,
		BodySection: []*imapv2.FetchItemBodySection{bodySection},
	}).Collect()
	if err != nil {
		return nil, fmt.Errorf("fetch messages: %w", err)
	}

	raw := make(map[uint32][]byte, len(msgs))
	for _, msg := range msgs {
		body := msg.FindBodySection(bodySection)
		if body == nil {
			if s.logger != nil {
				s.logger.Warn("fetch returned no body section", "uid", uint32(msg.UID))
			}
			continue
		}
		raw[uint32(msg.UID)] = body
	}
	return raw, nil
}

func (s *session) Noop() error {
	if err := s.client.Noop().Wait(); err != nil {
		return fmt.Errorf("%w: noop: %v", ErrConnect, err)
	}
	return nil
}

func (s *session) Unselect() error {
	if err := s.client.Unselect().Wait(); err != nil {
		return fmt.Errorf("unselect: %w", err)
	}
	return nil
}

func (s *session) Logout() error {
	defer s.stopClose()
	if err := s.client.Logout().Wait(); err != nil {
		_ = s.client.Close()
		return fmt.Errorf("logout: %w", err)
	}
	return s.client.Close()
}

func uidSet(uids []uint32) imapv2.UIDSet {
	set := imapv2.UIDSet{}
	for _, uid := range uids {
		set.AddNum(imapv2.UID(uid))
	}
	return set
}
