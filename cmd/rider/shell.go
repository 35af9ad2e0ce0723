package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/jrsteele09/go-rider-client/claims"
	"github.com/jrsteele09/go-rider-client/client"
	"github.com/jrsteele09/go-rider-client/ledger"
	"github.com/jrsteele09/go-rider-client/orders"
	"github.com/jrsteele09/go-rider-client/riderapi"
	"golang.org/x/text/language"
	"golang.org/x/text/message"
)

const helpText = `commands:
  list                        show available, claimed and completed orders
  accept <id>                 claim an order
  reject <id>                 drop an order locally
  complete <id> <image-path>  upload proof of delivery
  completes                   reload completed orders
  earnings                    show total earnings
  logout                      end the session
  quit                        exit`

// shell is the interactive rider console.
type shell struct {
	client     *client.Client
	printer    *message.Printer
	autoAccept bool

	outMu sync.Mutex
	out   io.Writer

	seenMu sync.Mutex
	seen   map[string]bool
}

func newShell(c *client.Client, out io.Writer, tag language.Tag, autoAccept bool) *shell {
	return &shell{
		client:     c,
		printer:    message.NewPrinter(tag),
		autoAccept: autoAccept,
		out:        out,
		seen:       make(map[string]bool),
	}
}

func (s *shell) run(ctx context.Context, in io.Reader) error {
	unsubscribe := s.client.Ledger().Subscribe(func(v ledger.View) { s.announce(ctx, v) })
	defer unsubscribe()

	s.println(helpText)

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			if quit := s.execute(ctx, line); quit {
				return nil
			}
		}
	}
}

// execute runs one command line and reports whether the shell should exit.
func (s *shell) execute(ctx context.Context, line string) bool {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return false
	}

	switch cmd, args := fields[0], fields[1:]; cmd {
	case "quit", "exit":
		return true
	case "help":
		s.println(helpText)
	case "list":
		s.printView(s.client.Ledger().Snapshot())
	case "accept":
		if len(args) != 1 {
			s.println("usage: accept <id>")
			return false
		}
		s.printResult(s.client.Claims().Accept(ctx, args[0]))
	case "reject":
		if len(args) != 1 {
			s.println("usage: reject <id>")
			return false
		}
		s.client.Claims().Reject(args[0])
		s.printf("rejected %s\n", args[0])
	case "complete":
		if len(args) != 2 {
			s.println("usage: complete <id> <image-path>")
			return false
		}
		if err := s.complete(ctx, args[0], args[1]); err != nil {
			s.printf("complete failed: %v\n", err)
			return false
		}
		s.printf("completed %s\n", args[0])
	case "completes":
		if err := s.client.Claims().RefreshCompleted(ctx); err != nil {
			s.printf("could not load completed orders: %v\n", err)
			return false
		}
		s.printOrders("completed", s.client.Ledger().Snapshot().Completed)
	case "earnings":
		total, err := s.client.Claims().Earnings(ctx)
		if err != nil {
			s.printf("could not load earnings: %v\n", err)
			return false
		}
		s.printf("earnings: %s\n", s.price(total))
	case "logout":
		if err := s.client.Auth().Logout(ctx); err != nil {
			s.printf("logout failed: %v\n", err)
		}
		return true
	default:
		s.printf("unknown command %q, try help\n", cmd)
	}
	return false
}

func (s *shell) complete(ctx context.Context, orderID, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	contentType := "image/jpeg"
	if strings.EqualFold(filepath.Ext(path), ".png") {
		contentType = "image/png"
	}
	return s.client.Claims().Complete(ctx, orderID, riderapi.Image{
		Name:        filepath.Base(path),
		ContentType: contentType,
		Data:        f,
	})
}

// announce prints orders the rider has not seen yet and, with auto accept,
// claims the first of them while nothing is claimed.
func (s *shell) announce(ctx context.Context, v ledger.View) {
	var fresh []orders.Order
	s.seenMu.Lock()
	for _, o := range v.Available {
		if !s.seen[o.ID] {
			s.seen[o.ID] = true
			fresh = append(fresh, o)
		}
	}
	if len(v.Available) == 0 && len(v.Claimed) == 0 && len(v.Completed) == 0 {
		s.seen = make(map[string]bool)
	}
	s.seenMu.Unlock()

	for _, o := range fresh {
		s.printf("new order %s\n", s.describe(o))
	}
	if s.autoAccept && len(fresh) > 0 && len(v.Claimed) == 0 {
		id := fresh[0].ID
		go s.printResult(s.client.Claims().Accept(ctx, id))
	}
}

func (s *shell) printResult(res claims.Result) {
	switch res.Outcome {
	case claims.Accepted:
		s.printf("accepted %s\n", res.OrderID)
	case claims.Conflict:
		s.printf("%s: %s\n", res.OrderID, res.Message)
	case claims.Skipped:
		s.printf("%s skipped: %s\n", res.OrderID, res.Message)
	default:
		if res.ClaimedRemotely {
			s.printf("%s: %s, run completes or log in again to resync\n", res.OrderID, res.Message)
			return
		}
		if res.Retryable() {
			s.printf("%s: %s, try again\n", res.OrderID, res.Message)
			return
		}
		s.printf("%s: %s (%v)\n", res.OrderID, res.Message, res.Err)
	}
}

func (s *shell) printView(v ledger.View) {
	s.printOrders("available", v.Available)
	s.printOrders("claimed", v.Claimed)
	s.printOrders("completed", v.Completed)
}

func (s *shell) printOrders(title string, list []orders.Order) {
	s.printf("%s (%d)\n", title, len(list))
	for _, o := range list {
		s.printf("  %s\n", s.describe(o))
	}
}

func (s *shell) describe(o orders.Order) string {
	line := fmt.Sprintf("%s  %s  %s", o.ID, s.price(o.Price), s.printer.Sprintf("%.1f km", o.DistanceKm()))
	if o.IsCompleted() {
		line += "  " + o.CompletedAt.Local().Format("2006-01-02 15:04")
	}
	return line
}

func (s *shell) price(amount int64) string {
	return s.printer.Sprintf("%d won", amount)
}

func (s *shell) printf(format string, args ...any) {
	s.outMu.Lock()
	defer s.outMu.Unlock()
	fmt.Fprintf(s.out, format, args...)
}

func (s *shell) println(text string) {
	s.outMu.Lock()
	defer s.outMu.Unlock()
	fmt.Fprintln(s.out, text)
}
