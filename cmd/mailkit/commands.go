package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/docker/go-units"
	flag "github.com/spf13/pflag"

	"github.com/shineum/mailkit/internal/credential"
	"github.com/shineum/mailkit/internal/email"
	"github.com/shineum/mailkit/internal/fetcher"
	"github.com/shineum/mailkit/internal/mailerr"
	"github.com/shineum/mailkit/internal/parser"
	"github.com/shineum/mailkit/internal/sender"
)

func (a *app) progress(what string) fetcher.Progress {
	return func(current, total int) {
		a.log.Debug().Int("current", current).Int("total", total).Msg(what)
	}
}

func (a *app) parser() *parser.Parser {
	return parser.New(a.log)
}

// messageNumbers parses positional message numbers.
func messageNumbers(args []string) ([]int, error) {
	if len(args) == 0 {
		return nil, errors.New("no message number given")
	}
	nums := make([]int, 0, len(args))
	for _, arg := range args {
		n, err := strconv.Atoi(arg)
		if err != nil || n < 1 {
			return nil, fmt.Errorf("invalid message number %q", arg)
		}
		nums = append(nums, n)
	}
	return nums, nil
}

func (a *app) cmdIndex(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("index", flag.ContinueOnError)
	start := fs.Int("start", 1, "first message number to load")
	limit := fs.Int("limit", a.cfg.POP.FetchLimit, "load headers of only the newest N messages (0 = all)")
	save := fs.String("save", "", "write the index to FILE for later delete/check")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *save != "" {
		if *start != 1 {
			return errors.New("--save needs an index starting at message 1")
		}
		// Placeholders of skipped messages would never match the mailbox.
		*limit = 0
	}

	f, err := a.newFetcher(*limit)
	if err != nil {
		return err
	}
	idx, err := f.FetchHeaderIndex(ctx, a.progress("loading headers"), *start)
	if err != nil {
		return err
	}

	printIndex(os.Stdout, a.parser(), idx, *start)
	if idx.Limited {
		fmt.Fprintf(os.Stdout, "(only the newest %d messages were loaded)\n", *limit)
	}

	if *save != "" {
		snap := newSnapshot(a.cfg.POPAddr(), a.cfg.POP.User, idx, time.Now())
		if err := snap.save(*save); err != nil {
			return err
		}
		a.log.Info().Str("path", *save).Int("messages", len(idx.Headers)).Msg("index saved")
	}
	return nil
}

func printIndex(w io.Writer, p *parser.Parser, idx fetcher.Index, start int) {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "#\tSIZE\tDATE\tFROM\tSUBJECT")
	for i, text := range idx.Headers {
		msg := p.ParseHeaders(text)
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\n",
			start+i,
			units.HumanSize(float64(idx.Sizes[i])),
			msg.Get("Date"),
			p.DecodeAddressField(msg.Get("From")),
			p.DecodeHeaderField(msg.Get("Subject")),
		)
	}
	tw.Flush()
}

func (a *app) fetchMessage(ctx context.Context, n int) (*email.Message, error) {
	f, err := a.newFetcher(0)
	if err != nil {
		return nil, err
	}
	text, err := f.FetchFullMessage(ctx, n)
	if err != nil {
		return nil, err
	}
	return a.parser().ParseFull(text), nil
}

func (a *app) cmdShow(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("show", flag.ContinueOnError)
	if err := fs.Parse(args); err != nil {
		return err
	}
	nums, err := messageNumbers(fs.Args())
	if err != nil {
		return err
	}

	p := a.parser()
	for _, n := range nums {
		msg, err := a.fetchMessage(ctx, n)
		if err != nil {
			return err
		}
		printMessage(os.Stdout, p, msg)
	}
	return nil
}

func printMessage(w io.Writer, p *parser.Parser, msg *email.Message) {
	for _, field := range []string{"From", "To", "Cc", "Date", "Subject"} {
		v := msg.Get(field)
		if v == "" {
			continue
		}
		if field == "Subject" || field == "Date" {
			v = p.DecodeHeaderField(v)
		} else {
			v = p.DecodeAddressField(v)
		}
		fmt.Fprintf(w, "%s: %s\n", field, v)
	}
	fmt.Fprintln(w)

	contentType, text := p.FindMainText(msg)
	if contentType == "text/html" {
		text = parser.HTMLToText(text)
	}
	fmt.Fprintln(w, strings.TrimRight(text, "\r\n"))

	if names := p.PartsList(msg); len(names) > 1 {
		fmt.Fprintln(w)
		fmt.Fprintf(w, "Parts: %s\n", strings.Join(names, ", "))
	}
}

func (a *app) cmdParts(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("parts", flag.ContinueOnError)
	dir := fs.String("dir", ".", "directory to save parts into")
	part := fs.String("part", "", "save only the part with this name")
	if err := fs.Parse(args); err != nil {
		return err
	}
	nums, err := messageNumbers(fs.Args())
	if err != nil {
		return err
	}
	if len(nums) != 1 {
		return errors.New("parts takes exactly one message number")
	}

	msg, err := a.fetchMessage(ctx, nums[0])
	if err != nil {
		return err
	}

	p := a.parser()
	var saved []parser.SavedPart
	if *part != "" {
		sp, err := p.SaveOnePart(*dir, *part, msg)
		if err != nil {
			return err
		}
		saved = append(saved, sp)
	} else if saved, err = p.SaveParts(*dir, msg); err != nil {
		return err
	}
	for _, sp := range saved {
		fmt.Fprintf(os.Stdout, "%s\t%s\n", sp.Path, sp.ContentType)
	}
	return nil
}

// expectedHeaders returns the headers of a saved index, or of a fresh
// full index when path is empty.
func (a *app) expectedHeaders(ctx context.Context, f *fetcher.Fetcher, path string) ([]string, error) {
	if path == "" {
		idx, err := f.FetchHeaderIndex(ctx, a.progress("loading headers"), 1)
		if err != nil {
			return nil, err
		}
		return idx.Headers, nil
	}
	snap, err := loadSnapshot(path)
	if err != nil {
		return nil, err
	}
	if !snap.matches(a.cfg.POPAddr(), a.cfg.POP.User) {
		return nil, fmt.Errorf("index %s belongs to %s on %s", path, snap.User, snap.Server)
	}
	return snap.Headers, nil
}

func (a *app) cmdDelete(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("delete", flag.ContinueOnError)
	index := fs.String("index", "", "saved index to verify against (default: load a fresh one)")
	unsafe := fs.Bool("unsafe", false, "delete without checking that the numbers still match")
	if err := fs.Parse(args); err != nil {
		return err
	}
	nums, err := messageNumbers(fs.Args())
	if err != nil {
		return err
	}

	f, err := a.newFetcher(0)
	if err != nil {
		return err
	}

	if *unsafe {
		err = f.DeleteMessages(ctx, nums, a.progress("deleting"))
	} else {
		var expected []string
		if expected, err = a.expectedHeaders(ctx, f, *index); err != nil {
			return err
		}
		err = f.DeleteMessagesSafe(ctx, nums, expected, a.progress("deleting"))
	}

	var serr *mailerr.SynchronizationError
	if errors.As(err, &serr) {
		a.log.Warn().Int("message", serr.Msg).Msg("mailbox changed; nothing was deleted, reload the index")
	}
	if err != nil {
		return err
	}
	a.log.Info().Ints("messages", nums).Msg("messages deleted")
	return nil
}

func (a *app) cmdCheck(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("check", flag.ContinueOnError)
	index := fs.String("index", "", "saved index to compare with the mailbox")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *index == "" {
		return errors.New("check needs --index")
	}

	f, err := a.newFetcher(0)
	if err != nil {
		return err
	}
	expected, err := a.expectedHeaders(ctx, f, *index)
	if err != nil {
		return err
	}
	if err := f.CheckSynchronization(ctx, expected); err != nil {
		return err
	}
	fmt.Fprintln(os.Stdout, "index is in sync with the mailbox")
	return nil
}

func (a *app) cmdSend(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("send", flag.ContinueOnError)
	from := fs.String("from", a.cfg.Mail.MyAddress, "sender address")
	to := fs.StringArray("to", nil, "recipients (repeatable, comma separated)")
	cc := fs.StringArray("cc", nil, "copy recipients")
	bcc := fs.StringArray("bcc", nil, "blind copy recipients")
	subject := fs.StringP("subject", "s", "", "subject")
	body := fs.String("body", "", "message text")
	bodyFile := fs.String("body-file", "", "read the message text from FILE (- for stdin)")
	encoding := fs.String("encoding", "", "body charset (default us-ascii, utf-8 when needed)")
	attach := fs.StringArrayP("attach", "a", nil, "attach FILE (repeatable)")
	headers := fs.StringArray("header", nil, `extra header "Name: value" (repeatable)`)
	noSig := fs.Bool("no-signature", false, "do not append the configured signature")
	if err := fs.Parse(args); err != nil {
		return err
	}

	text := *body
	if *bodyFile != "" {
		b, err := readBody(*bodyFile)
		if err != nil {
			return err
		}
		text = b
	}
	if sig := a.cfg.Mail.Signature; sig != "" && !*noSig {
		text = strings.TrimRight(text, "\n") + "\n\n" + sig + "\n"
	}

	extra, err := parseHeaders(*headers)
	if err != nil {
		return err
	}
	m := sender.Mail{
		From:         *from,
		To:           sender.SplitAddresses(*to),
		Cc:           sender.SplitAddresses(*cc),
		Bcc:          sender.SplitAddresses(*bcc),
		Subject:      *subject,
		Extra:        extra,
		Body:         text,
		BodyEncoding: *encoding,
	}
	for _, path := range *attach {
		m.Attachments = append(m.Attachments, sender.Attachment{Path: path})
	}

	s, err := a.newSender(ctx)
	if err != nil {
		return err
	}
	res, err := s.Send(ctx, m)
	var partial *mailerr.PartialSendFailure
	if errors.As(err, &partial) && !errors.As(err, new(*mailerr.SendError)) {
		for addr, reason := range partial.Rejected {
			a.log.Warn().Str("recipient", addr).Err(reason).Msg("recipient refused")
		}
		fmt.Fprintf(os.Stdout, "sent %s to %d of %d recipients\n",
			res.MessageID, len(res.Recipients)-len(res.Rejected), len(res.Recipients))
		return nil
	}
	if err != nil {
		return err
	}
	fmt.Fprintf(os.Stdout, "sent %s to %d recipients\n", res.MessageID, len(res.Recipients))
	return nil
}

func readBody(path string) (string, error) {
	var b []byte
	var err error
	if path == "-" {
		b, err = io.ReadAll(os.Stdin)
	} else {
		b, err = os.ReadFile(path)
	}
	if err != nil {
		return "", fmt.Errorf("reading body: %w", err)
	}
	return string(b), nil
}

// parseHeaders turns "Name: value" flags into headers.
func parseHeaders(list []string) ([]sender.Header, error) {
	out := make([]sender.Header, 0, len(list))
	for _, h := range list {
		name, value, ok := strings.Cut(h, ":")
		name = strings.TrimSpace(name)
		if !ok || name == "" || strings.ContainsAny(name, " \t") {
			return nil, fmt.Errorf("invalid header %q, want \"Name: value\"", h)
		}
		out = append(out, sender.Header{Name: name, Value: strings.TrimSpace(value)})
	}
	return out, nil
}

func (a *app) cmdSent(args []string) error {
	fs := flag.NewFlagSet("sent", flag.ContinueOnError)
	full := fs.Bool("full", false, "print whole messages instead of a summary")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if a.cfg.Mail.SentMailFile == "" {
		return errors.New("no sent mail file configured")
	}

	log := &sender.SentLog{
		Path:      a.cfg.Mail.SentMailFile,
		Format:    a.cfg.Mail.SentMailFormat,
		Separator: a.cfg.Mail.Separator,
	}
	records, err := log.ReadAll()
	if err != nil {
		return err
	}

	if *full {
		for _, r := range records {
			fmt.Fprint(os.Stdout, r)
			fmt.Fprintln(os.Stdout)
		}
		return nil
	}
	idx := fetcher.Index{Headers: make([]string, len(records)), Sizes: make([]int, len(records))}
	for i, r := range records {
		idx.Headers[i] = r
		idx.Sizes[i] = len(r)
	}
	printIndex(os.Stdout, a.parser(), idx, 1)
	return nil
}

func (a *app) cmdPassword(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("password", flag.ContinueOnError)
	if err := fs.Parse(args); err != nil {
		return err
	}
	if len(fs.Args()) != 1 {
		return errors.New("password takes one argument: pop or smtp")
	}

	var req credential.Request
	switch fs.Arg(0) {
	case "pop":
		req = credential.Request{Service: "pop", Server: a.cfg.POPAddr(), User: a.cfg.POP.User}
	case "smtp":
		req = credential.Request{Service: "smtp", Server: a.cfg.SMTPAddr(), User: a.cfg.SMTP.User}
	default:
		return fmt.Errorf("unknown service %q", fs.Arg(0))
	}

	ring, err := credential.OpenKeyring(a.cfg.Keyring.Service, a.cfg.Keyring.FileDir)
	if err != nil {
		return err
	}
	secret, err := credential.Prompt(os.Stdin, os.Stderr)(ctx, req)
	if err != nil {
		return err
	}
	if err := credential.Store(ring, req, secret); err != nil {
		return err
	}
	a.log.Info().Str("key", req.Key()).Msg("password stored")
	return nil
}
