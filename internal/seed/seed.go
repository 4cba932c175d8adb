package seed

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"feedgraph/internal/identity"
	"feedgraph/internal/observability"
	"feedgraph/internal/service"

	"github.com/brianvoe/gofakeit/v6"
)

// Report summarizes a seeding run.
type Report struct {
	Users   []string `json:"users"`
	Posts   []string `json:"posts"`
	Replies int      `json:"replies"`
	Reposts int      `json:"reposts"`
	Follows int      `json:"follows"`
}

// Seeder writes a Plan through the protocol, so every index a real client
// would maintain is populated.
type Seeder struct {
	base  *service.Client
	plan  Plan
	faker *gofakeit.Faker
}

// NewSeeder creates a seeder writing through views of base.
func NewSeeder(base *service.Client, plan Plan) *Seeder {
	seed := plan.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	return &Seeder{base: base, plan: plan, faker: gofakeit.New(seed)}
}

type author struct {
	pub    string
	client *service.Client
}

// Run generates the plan. Users are created first, then posts in rounds so
// replies can target earlier posts of any author, then reposts and follows.
func (s *Seeder) Run(ctx context.Context) (*Report, error) {
	if err := s.plan.Validate(); err != nil {
		return nil, err
	}
	observability.LogAsyncOperationStart(ctx, "seed", map[string]interface{}{
		"users": s.plan.Users,
		"posts": s.plan.Users * s.plan.PostsPerUser,
	})

	report := &Report{}
	authors := make([]author, 0, s.plan.Users)
	defer func() {
		for _, a := range authors {
			a.client.Close()
		}
	}()
	for i := 0; i < s.plan.Users; i++ {
		a, err := s.createUser(ctx)
		if err != nil {
			return report, err
		}
		authors = append(authors, a)
		report.Users = append(report.Users, a.pub)
	}

	postAuthors := map[string]string{}
	for round := 0; round < s.plan.PostsPerUser; round++ {
		for _, a := range authors {
			in := service.PublishInput{Text: s.postText()}
			if len(report.Posts) > 0 && s.faker.Float64() < s.plan.ReplyRatio {
				in.ReplyTo = report.Posts[s.faker.IntRange(0, len(report.Posts)-1)]
			}
			res, err := a.client.Posts.Publish(ctx, in)
			if err != nil {
				return report, fmt.Errorf("publish as %s: %w", identity.Short(a.pub), err)
			}
			report.Posts = append(report.Posts, res.ID)
			postAuthors[res.ID] = a.pub
			if in.ReplyTo != "" {
				report.Replies++
			}
		}
	}

	for _, a := range authors {
		for _, id := range s.pick(report.Posts, s.plan.RepostsPerUser, func(id string) bool {
			return postAuthors[id] != a.pub
		}) {
			if _, err := a.client.Posts.Repost(ctx, id); err != nil {
				return report, fmt.Errorf("repost as %s: %w", identity.Short(a.pub), err)
			}
			report.Reposts++
		}
	}

	for _, a := range authors {
		for _, target := range s.pick(report.Users, s.plan.FollowsPerUser, func(pub string) bool {
			return pub != a.pub
		}) {
			if _, err := a.client.Follows.Follow(ctx, target); err != nil {
				return report, fmt.Errorf("follow as %s: %w", identity.Short(a.pub), err)
			}
			report.Follows++
		}
	}

	observability.LogAsyncOperationEnd(ctx, "seed", map[string]interface{}{
		"users":   len(report.Users),
		"posts":   len(report.Posts),
		"replies": report.Replies,
		"reposts": report.Reposts,
		"follows": report.Follows,
	})
	return report, nil
}

func (s *Seeder) createUser(ctx context.Context) (author, error) {
	kp, err := identity.NewKeypair()
	if err != nil {
		return author{}, err
	}
	client := s.base.View(kp)

	name := s.faker.Name()
	avatar := fmt.Sprintf("https://picsum.photos/seed/%s/200/200", s.faker.UUID())
	bio := s.faker.Sentence(10)
	if _, err := client.Profiles.Update(ctx, service.ProfileUpdate{
		DisplayName: &name,
		AvatarRef:   &avatar,
		Bio:         &bio,
	}); err != nil {
		client.Close()
		return author{}, fmt.Errorf("create profile: %w", err)
	}
	observability.GlobalLogger.DebugContext(ctx, "seeded user",
		slog.String("pub", identity.Short(kp.Pub)),
		slog.String("name", name))
	return author{pub: kp.Pub, client: client}, nil
}

// postText is a fake sentence with zero to two hashtags from the plan.
func (s *Seeder) postText() string {
	var b strings.Builder
	b.WriteString(s.faker.Sentence(s.faker.IntRange(4, 14)))
	if len(s.plan.Hashtags) == 0 {
		return b.String()
	}
	for i, n := 0, s.faker.IntRange(0, 2); i < n; i++ {
		b.WriteString(" #")
		b.WriteString(s.plan.Hashtags[s.faker.IntRange(0, len(s.plan.Hashtags)-1)])
	}
	return b.String()
}

// pick returns up to n distinct items accepted by keep, in random order.
func (s *Seeder) pick(items []string, n int, keep func(string) bool) []string {
	if n <= 0 {
		return nil
	}
	candidates := make([]string, 0, len(items))
	for _, it := range items {
		if keep(it) {
			candidates = append(candidates, it)
		}
	}
	s.faker.ShuffleStrings(candidates)
	if len(candidates) > n {
		candidates = candidates[:n]
	}
	return candidates
}

// Summary renders the report for logs and CLIs.
func (r *Report) Summary() string {
	return fmt.Sprintf("%d users, %d posts (%d replies), %d reposts, %d follows",
		len(r.Users), len(r.Posts), r.Replies, r.Reposts, r.Follows)
}
