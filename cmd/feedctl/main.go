// Command feedctl is a small client for a running feedgraph gateway.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"feedgraph/internal/identity"
	"feedgraph/internal/layout"
	"feedgraph/internal/models"
	"feedgraph/internal/server"
	"feedgraph/internal/service"

	_ "github.com/joho/godotenv/autoload"
	"github.com/urfave/cli/v2"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newApp().RunContext(ctx, os.Args); err != nil {
		log.Fatal(err)
	}
}

func newApp() *cli.App {
	return &cli.App{
		Name:  "feedctl",
		Usage: "publish to and read from a feedgraph gateway",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "server",
				EnvVars: []string{"FEEDCTL_SERVER"},
				Value:   "http://localhost:8375",
			},
			&cli.StringFlag{
				Name:    "token",
				EnvVars: []string{"FEEDCTL_TOKEN"},
			},
			&cli.BoolFlag{
				Name:  "json",
				Usage: "print raw JSON responses",
			},
		},
		Commands: []*cli.Command{
			{
				Name:   "token",
				Usage:  "issue a development token",
				Flags:  []cli.Flag{&cli.StringFlag{Name: "pub", Usage: "existing public key; a new keypair is generated when empty"}},
				Action: runToken,
			},
			{
				Name:      "publish",
				Usage:     "publish a post",
				ArgsUsage: "TEXT",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "reply-to"},
					&cli.StringFlag{Name: "media"},
				},
				Action: runPublish,
			},
			{
				Name:  "read",
				Usage: "read a timeline, hashtag, user or reply index",
				Flags: append(sourceFlags(),
					&cli.StringFlag{Name: "user"},
					&cli.StringFlag{Name: "replies", Usage: "post id"},
					&cli.IntFlag{Name: "days", Usage: "timeline lookback when no source is given"},
					&cli.IntFlag{Name: "limit"},
					&cli.DurationFlag{Name: "grace"},
				),
				Action: runRead,
			},
			{
				Name:   "tail",
				Usage:  "stream a day timeline or hashtag",
				Flags:  sourceFlags(),
				Action: runTail,
			},
			{
				Name:      "delete",
				Usage:     "delete one of your posts",
				ArgsUsage: "POST_ID",
				Action:    runDelete,
			},
			{
				Name:      "repost",
				ArgsUsage: "POST_ID",
				Flags:     []cli.Flag{&cli.BoolFlag{Name: "undo"}},
				Action:    runRepost,
			},
			{
				Name:      "follow",
				ArgsUsage: "PUB",
				Flags:     []cli.Flag{&cli.BoolFlag{Name: "undo"}},
				Action:    runFollow,
			},
			{
				Name:      "profile",
				Usage:     "show a profile, or update yours when any field flag is set",
				ArgsUsage: "[PUB]",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "name"},
					&cli.StringFlag{Name: "avatar"},
					&cli.StringFlag{Name: "bio"},
				},
				Action: runProfile,
			},
		},
	}
}

func sourceFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{Name: "day", Usage: "today, yesterday or any date"},
		&cli.StringFlag{Name: "tag"},
	}
}

func clientFrom(cmd *cli.Context) (*apiClient, error) {
	return newAPIClient(cmd.String("server"), cmd.String("token"))
}

func requireArg(cmd *cli.Context, name string) (string, error) {
	arg := cmd.Args().First()
	if arg == "" {
		return "", fmt.Errorf("%s is required", name)
	}
	return arg, nil
}

var runToken = func(cmd *cli.Context) error {
	c, err := clientFrom(cmd)
	if err != nil {
		return err
	}
	tok, err := c.issueToken(cmd.Context, cmd.String("pub"))
	if err != nil {
		return err
	}
	if cmd.Bool("json") {
		return printJSON(cmd.App.Writer, tok)
	}
	_, err = fmt.Fprintf(cmd.App.Writer, "export FEEDCTL_TOKEN=%s\n# pub %s\n", tok.Token, tok.Pub)
	return err
}

var runPublish = func(cmd *cli.Context) error {
	text, err := requireArg(cmd, "TEXT")
	if err != nil {
		return err
	}
	c, err := clientFrom(cmd)
	if err != nil {
		return err
	}
	res, err := c.publish(cmd.Context, service.PublishInput{
		Text:    text,
		Media:   cmd.String("media"),
		ReplyTo: cmd.String("reply-to"),
	})
	if err != nil {
		return err
	}
	return printResult(cmd, res)
}

var runRead = func(cmd *cli.Context) error {
	path, err := readPath(cmd)
	if err != nil {
		return err
	}
	c, err := clientFrom(cmd)
	if err != nil {
		return err
	}
	q := url.Values{}
	if n := cmd.Int("limit"); n > 0 {
		q.Set("limit", fmt.Sprint(n))
	}
	if d := cmd.Duration("grace"); d > 0 {
		q.Set("grace", d.String())
	}
	if n := cmd.Int("days"); n > 0 && path == "/api/timeline" {
		q.Set("days", fmt.Sprint(n))
	}
	posts, err := c.posts(cmd.Context, path, q)
	if err != nil {
		return err
	}
	if cmd.Bool("json") {
		return printJSON(cmd.App.Writer, posts)
	}
	return printPosts(cmd.App.Writer, posts)
}

// readPath maps the read flags onto a gateway route. Day shards are
// normalized locally so relative and free-form dates work.
func readPath(cmd *cli.Context) (string, error) {
	switch {
	case cmd.String("user") != "":
		return "/api/users/" + cmd.String("user") + "/posts", nil
	case cmd.String("replies") != "":
		return "/api/posts/" + cmd.String("replies") + "/replies", nil
	case cmd.String("tag") != "" || cmd.String("day") != "":
		return streamablePath(cmd, "/api")
	default:
		return "/api/timeline", nil
	}
}

func streamablePath(cmd *cli.Context, prefix string) (string, error) {
	if tag := cmd.String("tag"); tag != "" {
		return prefix + "/hashtags/" + tag, nil
	}
	day, err := layout.ParseDay(cmd.String("day"), time.Now())
	if err != nil {
		return "", err
	}
	return prefix + "/timeline/" + day, nil
}

var runTail = func(cmd *cli.Context) error {
	if cmd.String("tag") == "" && cmd.String("day") == "" {
		if err := cmd.Set("day", "today"); err != nil {
			return err
		}
	}
	path, err := streamablePath(cmd, "/api/ws")
	if err != nil {
		return err
	}
	c, err := clientFrom(cmd)
	if err != nil {
		return err
	}
	w := cmd.App.Writer
	return c.tail(cmd.Context, path, func(ev server.StreamEvent) error {
		if cmd.Bool("json") {
			return printJSON(w, ev)
		}
		switch ev.Type {
		case server.EventPost:
			return printPosts(w, []models.Post{*ev.Post})
		case server.EventRemoved:
			_, err := fmt.Fprintf(w, "- removed %s\n", ev.ID)
			return err
		case server.EventEmpty:
			_, err := fmt.Fprintln(w, "(no posts yet)")
			return err
		}
		return nil
	})
}

var runDelete = func(cmd *cli.Context) error {
	id, err := requireArg(cmd, "POST_ID")
	if err != nil {
		return err
	}
	c, err := clientFrom(cmd)
	if err != nil {
		return err
	}
	res, err := c.result(cmd.Context, http.MethodDelete, "/api/posts/"+id)
	if err != nil {
		return err
	}
	return printResult(cmd, res)
}

var runRepost = func(cmd *cli.Context) error {
	id, err := requireArg(cmd, "POST_ID")
	if err != nil {
		return err
	}
	c, err := clientFrom(cmd)
	if err != nil {
		return err
	}
	method := http.MethodPost
	if cmd.Bool("undo") {
		method = http.MethodDelete
	}
	res, err := c.result(cmd.Context, method, "/api/posts/"+id+"/repost")
	if err != nil {
		return err
	}
	return printResult(cmd, res)
}

var runFollow = func(cmd *cli.Context) error {
	pub, err := requireArg(cmd, "PUB")
	if err != nil {
		return err
	}
	c, err := clientFrom(cmd)
	if err != nil {
		return err
	}
	method := http.MethodPost
	if cmd.Bool("undo") {
		method = http.MethodDelete
	}
	res, err := c.result(cmd.Context, method, "/api/users/"+pub+"/follow")
	if err != nil {
		return err
	}
	return printResult(cmd, res)
}

var runProfile = func(cmd *cli.Context) error {
	c, err := clientFrom(cmd)
	if err != nil {
		return err
	}

	var update service.ProfileUpdate
	for flag, dst := range map[string]**string{
		"name":   &update.DisplayName,
		"avatar": &update.AvatarRef,
		"bio":    &update.Bio,
	} {
		if cmd.IsSet(flag) {
			v := cmd.String(flag)
			*dst = &v
		}
	}

	var profile *models.Profile
	if update.DisplayName != nil || update.AvatarRef != nil || update.Bio != nil {
		profile, err = c.updateProfile(cmd.Context, update)
	} else {
		pub, argErr := requireArg(cmd, "PUB")
		if argErr != nil {
			return argErr
		}
		profile, err = c.profile(cmd.Context, pub)
	}
	if err != nil {
		return err
	}
	if cmd.Bool("json") {
		return printJSON(cmd.App.Writer, profile)
	}
	_, err = fmt.Fprintf(cmd.App.Writer, "%s (%s)\n%s\n", profile.DisplayName, identity.Short(profile.Pub), profile.Bio)
	return err
}

func printResult(cmd *cli.Context, res *models.Result) error {
	if cmd.Bool("json") {
		return printJSON(cmd.App.Writer, res)
	}
	if !res.Success {
		return errors.New(res.Error)
	}
	msg := "ok"
	if res.ID != "" {
		msg += " " + res.ID
	}
	if res.Pruned > 0 {
		msg += fmt.Sprintf(" (pruned %d)", res.Pruned)
	}
	_, err := fmt.Fprintln(cmd.App.Writer, msg)
	return err
}

func printPosts(w io.Writer, posts []models.Post) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	for _, p := range posts {
		author := identity.Short(p.AuthorPub)
		if p.Author != nil && p.Author.DisplayName != "" {
			author = p.Author.DisplayName
		}
		if p.Reposted {
			author += " (repost by " + identity.Short(p.RepostedBy) + ")"
		}
		ts := time.UnixMilli(p.Timestamp).UTC().Format(time.DateTime)
		if _, err := fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", ts, short(p.ID), author, p.Text); err != nil {
			return err
		}
	}
	return tw.Flush()
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func short(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}
