package riderapi

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"strings"

	"github.com/jrsteele09/go-rider-client/gateway"
	"github.com/jrsteele09/go-rider-client/orders"
)

const (
	PathLogin     = "/login"
	PathLogout    = "/logout"
	PathAccept    = "/accept"
	PathComplete  = "/complete"
	PathCompletes = "/completes"
	PathEarnings  = "/earnings"
)

// LoginResult is what the order service returns for valid credentials.
type LoginResult struct {
	Name         string `json:"name"`
	Email        string `json:"email"`
	AccessToken  string `json:"accessToken"`
	RefreshToken string `json:"refreshToken"`
}

// Image is a proof-of-delivery photo. Capturing and resizing it happens
// elsewhere; only the bytes are uploaded here.
type Image struct {
	Name        string
	ContentType string
	Data        io.Reader
}

// Client is the typed order service contract on top of the Gateway.
type Client struct {
	gw *gateway.Gateway
}

func New(gw *gateway.Gateway) *Client {
	return &Client{gw: gw}
}

func (c *Client) Login(ctx context.Context, email, password string) (*LoginResult, error) {
	resp, err := c.gw.SendAnonymous(ctx, gateway.Request{
		Method: http.MethodPost,
		Path:   PathLogin,
		Body:   map[string]string{"email": email, "password": password},
	})
	if err != nil {
		return nil, err
	}

	var out LoginResult
	if err := resp.Decode(&out); err != nil {
		return nil, fmt.Errorf("[riderapi Login] %w", err)
	}
	return &out, nil
}

// Refresh exchanges the refresh credential for a new access credential.
func (c *Client) Refresh(ctx context.Context, refreshToken string) (*gateway.TokenGrant, error) {
	return c.gw.RefreshAccessToken(ctx, refreshToken)
}

func (c *Client) Logout(ctx context.Context) error {
	_, err := c.gw.Send(ctx, gateway.Request{Method: http.MethodPost, Path: PathLogout})
	return err
}

// Accept asks the service to assign orderID to this rider.
func (c *Client) Accept(ctx context.Context, orderID string) error {
	_, err := c.gw.Send(ctx, gateway.Request{
		Method: http.MethodPost,
		Path:   PathAccept,
		Body:   map[string]string{"orderId": orderID},
	})
	return err
}

// Complete uploads the proof-of-delivery image for orderID.
func (c *Client) Complete(ctx context.Context, orderID string, img Image) error {
	if img.Data == nil {
		return fmt.Errorf("[riderapi Complete] image data is required")
	}

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	if err := mw.WriteField("orderId", orderID); err != nil {
		return fmt.Errorf("[riderapi Complete] write orderId: %w", err)
	}

	name := img.Name
	if name == "" {
		name = orderID + ".jpg"
	}
	contentType := img.ContentType
	if contentType == "" {
		contentType = "image/jpeg"
	}
	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", fmt.Sprintf(`form-data; name="image"; filename="%s"`, escapeQuotes(name)))
	h.Set("Content-Type", contentType)
	part, err := mw.CreatePart(h)
	if err != nil {
		return fmt.Errorf("[riderapi Complete] create image part: %w", err)
	}
	if _, err := io.Copy(part, img.Data); err != nil {
		return fmt.Errorf("[riderapi Complete] copy image: %w", err)
	}
	if err := mw.Close(); err != nil {
		return fmt.Errorf("[riderapi Complete] close form: %w", err)
	}

	// Buffered so the gateway can replay the body after a token refresh.
	_, err = c.gw.Send(ctx, gateway.Request{
		Method:      http.MethodPost,
		Path:        PathComplete,
		Body:        buf.Bytes(),
		ContentType: mw.FormDataContentType(),
	})
	return err
}

// Completes returns the server's snapshot of orders this rider completed.
func (c *Client) Completes(ctx context.Context) ([]orders.Order, error) {
	var out []orders.Order
	if err := c.gw.Do(ctx, gateway.Request{Method: http.MethodGet, Path: PathCompletes}, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Earnings returns the running total reported by the server.
func (c *Client) Earnings(ctx context.Context) (int64, error) {
	var total int64
	if err := c.gw.Do(ctx, gateway.Request{Method: http.MethodGet, Path: PathEarnings}, &total); err != nil {
		return 0, err
	}
	return total, nil
}

func escapeQuotes(s string) string {
	return strings.NewReplacer("\\", "\\\\", `"`, "\\\"").Replace(s)
}
