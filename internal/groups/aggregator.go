// Package groups compiles a course's group categories, groups and members
// into one tree.
package groups

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"golang.org/x/sync/errgroup"

	"canvasgroups.org/internal/auth"
	"canvasgroups.org/internal/cache"
	"canvasgroups.org/internal/canvas"
	"canvasgroups.org/internal/ids"
	"canvasgroups.org/internal/oauth"
	"canvasgroups.org/internal/obs"
)

// Fetcher retrieves raw Canvas records. *canvas.Client implements it.
type Fetcher interface {
	FetchAll(ctx context.Context, resource, url string, cred canvas.Credential) ([]canvas.Record, error)
	FetchOne(ctx context.Context, resource, url string, cred canvas.Credential) ([]canvas.Record, error)
}

// Aggregator walks the category → group → member hierarchy through the
// resource caches.
type Aggregator struct {
	fetcher     Fetcher
	endpoints   canvas.Endpoints
	caches      *cache.Registry
	coord       *oauth.Coordinator
	concurrency int
	now         func() time.Time
}

// Option configures an Aggregator.
type Option func(*Aggregator)

// WithConcurrency bounds how many groups are fetched at once per category.
func WithConcurrency(n int) Option {
	return func(a *Aggregator) {
		if n > 0 {
			a.concurrency = n
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(a *Aggregator) { a.now = now }
}

// New returns an Aggregator.
func New(f Fetcher, e canvas.Endpoints, caches *cache.Registry, coord *oauth.Coordinator, opts ...Option) *Aggregator {
	a := &Aggregator{
		fetcher:     f,
		endpoints:   e,
		caches:      caches,
		coord:       coord,
		concurrency: 4,
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Compile builds the full tree for the caller's course. Any failure aborts
// the whole compile; no partial tree is returned.
func (a *Aggregator) Compile(ctx context.Context, id auth.Identity, sess *oauth.Session) (res *AggregateResult, err error) {
	start := a.now()
	defer func() { obs.ObserveCompile("course", err, a.now().Sub(start)) }()

	recs, err := a.list(ctx, sess, a.caches.GroupCategories(), id.CourseID,
		canvas.ResourceGroupCategories, a.endpoints.GroupCategories(id.CourseID))
	if err != nil {
		return nil, fmt.Errorf("group categories for course %s: %w", id.CourseID, err)
	}
	cats, err := canvas.Decode[canvas.GroupCategory](recs)
	if err != nil {
		return nil, err
	}

	categories := make([]Category, 0, len(cats))
	for _, c := range cats {
		cat, err := a.category(ctx, sess, c.ID, c.Name)
		if err != nil {
			return nil, err
		}
		categories = append(categories, cat)
	}

	return &AggregateResult{
		User:       userOf(id),
		Course:     Course{ID: id.CourseID, ContextTitle: id.ContextTitle},
		Categories: categories,
		Statistics: newStatistics(a.now().Sub(start), ids.Prefixed("cmp")),
	}, nil
}

// CompileSingleCategory builds the tree for one known category. The
// category name comes from the course's category list, which shares the
// groupCategories cache with Compile.
func (a *Aggregator) CompileSingleCategory(ctx context.Context, id auth.Identity, sess *oauth.Session, categoryID int64) (res *AggregateResult, err error) {
	start := a.now()
	defer func() { obs.ObserveCompile("category", err, a.now().Sub(start)) }()

	name, err := a.categoryName(ctx, id.CourseID, sess, categoryID)
	if err != nil {
		return nil, err
	}
	cat, err := a.category(ctx, sess, categoryID, name)
	if err != nil {
		return nil, err
	}
	return &AggregateResult{
		User:       userOf(id),
		Course:     Course{ID: id.CourseID, ContextTitle: id.ContextTitle},
		Categories: []Category{cat},
		Statistics: newStatistics(a.now().Sub(start), ids.Prefixed("cmp")),
	}, nil
}

// CompileCourseGroups lists the course's groups with their members, each
// member's profile read from /users/:id.
func (a *Aggregator) CompileCourseGroups(ctx context.Context, id auth.Identity, sess *oauth.Session) (res *CourseGroupsResult, err error) {
	start := a.now()
	defer func() { obs.ObserveCompile("course_groups", err, a.now().Sub(start)) }()

	recs, err := a.list(ctx, sess, a.caches.CourseGroups(), id.CourseID,
		canvas.ResourceCourseGroups, a.endpoints.CourseGroups(id.CourseID))
	if err != nil {
		return nil, fmt.Errorf("groups for course %s: %w", id.CourseID, err)
	}
	raw, err := canvas.Decode[canvas.Group](recs)
	if err != nil {
		return nil, err
	}

	out := make([]Group, len(raw))
	eg, ectx := errgroup.WithContext(ctx)
	eg.SetLimit(a.concurrency)
	for i, g := range raw {
		eg.Go(func() error {
			grp, err := a.groupWithProfiles(ectx, sess, g)
			if err != nil {
				return err
			}
			out[i] = grp
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return nil, err
	}

	return &CourseGroupsResult{
		User:       userOf(id),
		Course:     Course{ID: id.CourseID, ContextTitle: id.ContextTitle},
		Groups:     out,
		Statistics: newStatistics(a.now().Sub(start), ids.Prefixed("cmp")),
	}, nil
}

// categoryName looks categoryID up in the course's categories. A category
// the course does not list keeps an empty name.
func (a *Aggregator) categoryName(ctx context.Context, courseID string, sess *oauth.Session, categoryID int64) (string, error) {
	recs, err := a.list(ctx, sess, a.caches.GroupCategories(), courseID,
		canvas.ResourceGroupCategories, a.endpoints.GroupCategories(courseID))
	if err != nil {
		return "", fmt.Errorf("group categories for course %s: %w", courseID, err)
	}
	cats, err := canvas.Decode[canvas.GroupCategory](recs)
	if err != nil {
		return "", err
	}
	for _, c := range cats {
		if c.ID == categoryID {
			return c.Name, nil
		}
	}
	obs.Warn("category not listed for course", map[string]any{"course_id": courseID, "category_id": categoryID})
	return "", nil
}

// category fetches the groups of one category concurrently and reassembles
// them in server order.
func (a *Aggregator) category(ctx context.Context, sess *oauth.Session, categoryID int64, name string) (Category, error) {
	key := strconv.FormatInt(categoryID, 10)
	recs, err := a.list(ctx, sess, a.caches.CategoryGroups(), key,
		canvas.ResourceCategoryGroups, a.endpoints.CategoryGroups(key))
	if err != nil {
		return Category{}, fmt.Errorf("groups for category %d: %w", categoryID, err)
	}
	raw, err := canvas.Decode[canvas.Group](recs)
	if err != nil {
		return Category{}, err
	}

	out := make([]Group, len(raw))
	eg, ectx := errgroup.WithContext(ctx)
	eg.SetLimit(a.concurrency)
	for i, g := range raw {
		eg.Go(func() error {
			grp, err := a.group(ectx, sess, g)
			if err != nil {
				return err
			}
			out[i] = grp
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return Category{}, err
	}
	return Category{ID: categoryID, Name: name, Groups: out}, nil
}

// group fetches memberships and users side by side and joins them.
func (a *Aggregator) group(ctx context.Context, sess *oauth.Session, g canvas.Group) (Group, error) {
	key := strconv.FormatInt(g.ID, 10)
	var (
		memberships []canvas.Membership
		users       []canvas.User
	)
	eg, ectx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		recs, err := a.list(ectx, sess, a.caches.GroupMembers(), key,
			canvas.ResourceGroupMembers, a.endpoints.GroupMemberships(key))
		if err != nil {
			return fmt.Errorf("memberships for group %d: %w", g.ID, err)
		}
		memberships, err = canvas.Decode[canvas.Membership](recs)
		return err
	})
	eg.Go(func() error {
		recs, err := a.list(ectx, sess, a.caches.GroupUsers(), key,
			canvas.ResourceGroupUsers, a.endpoints.GroupUsers(key))
		if err != nil {
			return fmt.Errorf("users for group %d: %w", g.ID, err)
		}
		users, err = canvas.Decode[canvas.User](recs)
		return err
	})
	if err := eg.Wait(); err != nil {
		return Group{}, err
	}
	return newGroup(g, Join(g.ID, memberships, users)), nil
}

// groupWithProfiles reads memberships and then each member's profile.
func (a *Aggregator) groupWithProfiles(ctx context.Context, sess *oauth.Session, g canvas.Group) (Group, error) {
	key := strconv.FormatInt(g.ID, 10)
	recs, err := a.list(ctx, sess, a.caches.GroupMembers(), key,
		canvas.ResourceGroupMembers, a.endpoints.GroupMemberships(key))
	if err != nil {
		return Group{}, fmt.Errorf("memberships for group %d: %w", g.ID, err)
	}
	memberships, err := canvas.Decode[canvas.Membership](recs)
	if err != nil {
		return Group{}, err
	}

	users := make([]canvas.User, 0, len(memberships))
	for _, m := range memberships {
		uid := strconv.FormatInt(m.UserID, 10)
		recs, err := a.one(ctx, sess, a.caches.UserProfile(), uid, canvas.ResourceUser, a.endpoints.User(uid))
		if err != nil {
			return Group{}, fmt.Errorf("profile for user %d: %w", m.UserID, err)
		}
		u, err := canvas.Decode[canvas.User](recs)
		if err != nil {
			return Group{}, err
		}
		users = append(users, u...)
	}
	return newGroup(g, Join(g.ID, memberships, users)), nil
}

// list reads a paginated resource through cache c, refreshing the
// credential as needed.
func (a *Aggregator) list(ctx context.Context, sess *oauth.Session, c *cache.Cache, key, resource, url string) ([]canvas.Record, error) {
	return a.cached(ctx, sess, c, key, func(ctx context.Context, cred canvas.Credential) ([]canvas.Record, error) {
		return a.fetcher.FetchAll(ctx, resource, url, cred)
	})
}

func (a *Aggregator) one(ctx context.Context, sess *oauth.Session, c *cache.Cache, key, resource, url string) ([]canvas.Record, error) {
	return a.cached(ctx, sess, c, key, func(ctx context.Context, cred canvas.Credential) ([]canvas.Record, error) {
		return a.fetcher.FetchOne(ctx, resource, url, cred)
	})
}

func (a *Aggregator) cached(ctx context.Context, sess *oauth.Session, c *cache.Cache, key string,
	fetch func(ctx context.Context, cred canvas.Credential) ([]canvas.Record, error)) ([]canvas.Record, error) {
	return c.GetOrFetch(ctx, key, func(ctx context.Context) ([]json.RawMessage, error) {
		var out []canvas.Record
		err := a.coord.Do(ctx, sess, func(ctx context.Context, cred canvas.Credential) error {
			recs, err := fetch(ctx, cred)
			if err != nil {
				return err
			}
			out = recs
			return nil
		})
		return out, err
	})
}

// Join merges memberships with user profiles by user id, keeping
// membership order. A membership without a profile is kept with blank
// profile fields.
func Join(groupID int64, memberships []canvas.Membership, users []canvas.User) []Member {
	byID := make(map[int64]canvas.User, len(users))
	for _, u := range users {
		byID[u.ID] = u
	}
	members := make([]Member, 0, len(memberships))
	for _, m := range memberships {
		member := Member{
			UserID:        m.UserID,
			WorkflowState: m.WorkflowState,
			IsModerator:   m.Moderator,
		}
		if u, ok := byID[m.UserID]; ok {
			member.Name = u.Name
			member.SortableName = u.SortableName
			member.Email = u.Email
			member.AvatarURL = u.AvatarURL
		} else {
			obs.Warn("membership without user profile", map[string]any{"group_id": groupID, "user_id": m.UserID})
		}
		members = append(members, member)
	}
	return members
}

func newGroup(g canvas.Group, members []Member) Group {
	return Group{
		ID:          g.ID,
		Name:        g.Name,
		Description: g.Description,
		CategoryID:  g.GroupCategoryID,
		Members:     members,
	}
}

func userOf(id auth.Identity) User {
	return User{ID: id.UserID, FullName: id.FullName, Email: id.Email}
}
