package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"crosspost/internal/app"
	"crosspost/internal/message"
	"crosspost/internal/relay"
)

type postFlags struct {
	text       string
	media      []string
	alt        []string
	lang       string
	visibility string
	replies    []string
	label      string
	timeout    time.Duration
}

func newPostCommand(cfgPath *string) *cobra.Command {
	var f postFlags

	cmd := &cobra.Command{
		Use:   "post",
		Short: "Publish one message to every write-capable connection now",
		Example: `crosspost post -c crosspost.yaml --text "hello"
crosspost post --text "sunset" --media ./sunset.jpg --alt "orange sky"`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			msg, err := buildMessage(f)
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}
			return post(ctx, cmd.OutOrStdout(), *cfgPath, msg, f.timeout)
		},
	}

	cmd.Flags().StringVarP(&f.text, "text", "t", "", "message body")
	cmd.Flags().StringSliceVarP(&f.media, "media", "m", nil, "attachment file path or URL (repeatable)")
	cmd.Flags().StringSliceVar(&f.alt, "alt", nil, "alt text, one per --media in order")
	cmd.Flags().StringVar(&f.lang, "lang", "", "language tag, e.g. en")
	cmd.Flags().StringVar(&f.visibility, "visibility", "", "public, unlisted, private or direct")
	cmd.Flags().StringSliceVar(&f.replies, "replies", nil, "who may reply: everyone, followers, following, mentioned_users, no_one")
	cmd.Flags().StringVar(&f.label, "label", "", "content label")
	cmd.Flags().DurationVar(&f.timeout, "timeout", 2*time.Minute, "give up after this long")
	return cmd
}

func buildMessage(f postFlags) (message.Message, error) {
	if strings.TrimSpace(f.text) == "" && len(f.media) == 0 {
		return message.Message{}, errors.New("nothing to post: set --text or --media")
	}
	if len(f.alt) > len(f.media) {
		return message.Message{}, errors.New("more --alt values than --media")
	}
	vis, err := message.ParseVisibility(f.visibility)
	if err != nil {
		return message.Message{}, err
	}
	meta := message.Metadata{Language: f.lang, Visibility: vis, Label: f.label}
	for _, r := range f.replies {
		meta.AllowedReplies = append(meta.AllowedReplies, message.Reply(strings.TrimSpace(r)))
	}

	media := make([]message.Media, 0, len(f.media))
	for i, src := range f.media {
		m, err := loadMedia(src)
		if err != nil {
			return message.Message{}, err
		}
		if i < len(f.alt) {
			m.AltText = f.alt[i]
		}
		if !m.Valid() {
			return message.Message{}, fmt.Errorf("%s: %w (%s)", src, message.ErrUnsupportedMedia, m.MIMEType)
		}
		media = append(media, m)
	}
	return message.New("", f.text, message.WithMedia(media...), message.WithMetadata(meta))
}

// loadMedia reads a local file, or references a URL, and detects its MIME type.
func loadMedia(src string) (message.Media, error) {
	if strings.HasPrefix(src, "http://") || strings.HasPrefix(src, "https://") {
		return message.Media{URL: src, MIMEType: detectMIME(src, nil)}, nil
	}
	data, err := os.ReadFile(src)
	if err != nil {
		return message.Media{}, err
	}
	return message.Media{Content: data, MIMEType: detectMIME(src, data)}, nil
}

// videoTypes covers containers http.DetectContentType does not recognise.
var videoTypes = map[string]string{
	".mov": "video/quicktime",
	".mp4": "video/mp4",
	".m4v": "video/mp4",
}

func detectMIME(name string, data []byte) string {
	sniffed := "application/octet-stream"
	if len(data) > 0 {
		sniffed = http.DetectContentType(data)
		if i := strings.IndexByte(sniffed, ';'); i >= 0 {
			sniffed = sniffed[:i]
		}
		if sniffed != "application/octet-stream" {
			return sniffed
		}
	}
	ext := strings.ToLower(filepath.Ext(name))
	if t, ok := videoTypes[ext]; ok {
		return t
	}
	if t := mime.TypeByExtension(ext); t != "" {
		if i := strings.IndexByte(t, ';'); i >= 0 {
			t = t[:i]
		}
		return t
	}
	return sniffed
}

func post(ctx context.Context, out io.Writer, cfgPath string, msg message.Message, timeout time.Duration) error {
	a, err := app.NewApp(cfgPath)
	if err != nil {
		return err
	}
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	rep, postErr := a.PostNow(ctx, msg)
	_ = a.Stop(context.Background(), app.StopAppStop)
	if postErr != nil && len(rep.Deliveries) == 0 {
		return postErr
	}

	printReport(out, rep)
	if failed := rep.Failed(); len(failed) > 0 {
		return fmt.Errorf("%d of %d connections failed", len(failed), len(rep.Deliveries))
	}
	return postErr
}

func printReport(out io.Writer, rep relay.Report) {
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintf(tw, "message %s\n", rep.MessageID)
	fmt.Fprintln(tw, "CONNECTION\tSTATUS\tID\tATTEMPTS\tDETAIL")
	for _, d := range rep.Deliveries {
		detail := d.Reason
		if d.Err != nil {
			detail = strings.TrimSpace(detail + " " + d.Err.Error())
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%s\n", d.Name, d.Status, d.ExternalID, d.Attempts, detail)
	}
	_ = tw.Flush()
}
