package publish

import (
	"context"
	"log"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/CortexcartLimited/cortexcart-publisher/internal/models"
)

// Platform tags the router dispatches on. These match scheduled_posts.platform.
const (
	PlatformX         = "x"
	PlatformFacebook  = "facebook"
	PlatformPinterest = "pinterest"
	PlatformInstagram = "instagram"
	PlatformTikTok    = "tiktok"
)

// Request is the normalized publish payload handed to an adapter. Only the
// fields relevant to the target platform are populated; BuildRequest enforces
// that scoping.
type Request struct {
	Owner    string `json:"owner"`
	Platform string `json:"platform"`

	Content  string `json:"content"`
	MediaURL string `json:"mediaUrl,omitempty"`

	BoardID         string `json:"boardId,omitempty"`
	Title           string `json:"title,omitempty"`
	PrivacyLevel    string `json:"privacyLevel,omitempty"`
	TargetAccountID string `json:"targetAccountId,omitempty"`
}

// Outcome is the terminal result of one publish attempt.
type Outcome struct {
	Success    bool   `json:"success"`
	ExternalID string `json:"externalId,omitempty"`
	Err        error  `json:"-"`
}

// TokenSource yields a currently-valid access token for (owner, platform).
// The credential manager implements it.
type TokenSource interface {
	GetValidToken(ctx context.Context, owner, platform string) (string, error)
}

// Adapter publishes one normalized request to one external platform.
type Adapter interface {
	Name() string
	Publish(ctx context.Context, req Request, accessToken string) (externalID string, err error)
}

// Registry maps platform tags to adapters. Adding a platform means registering
// a new Adapter, not editing a dispatch branch.
type Registry struct {
	mu       sync.RWMutex
	adapters map[string]Adapter
	tokens   TokenSource
}

func NewRegistry(tokens TokenSource) *Registry {
	return &Registry{
		adapters: make(map[string]Adapter),
		tokens:   tokens,
	}
}

func (r *Registry) Register(a Adapter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.adapters[strings.ToLower(strings.TrimSpace(a.Name()))] = a
}

func (r *Registry) adapter(platform string) (Adapter, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.adapters[strings.ToLower(strings.TrimSpace(platform))]
	return a, ok
}

// Platforms returns the registered platform tags, sorted.
func (r *Registry) Platforms() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.adapters))
	for name := range r.adapters {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Dispatch runs one publish attempt end to end: token fetch, adapter call.
// The returned Outcome is always terminal; errors never escape as panics.
func (r *Registry) Dispatch(ctx context.Context, req Request) Outcome {
	start := time.Now()
	a, ok := r.adapter(req.Platform)
	if !ok {
		return Outcome{Err: Errf(KindUnsupportedPlatform, "platform=%s", req.Platform)}
	}

	token, err := r.tokens.GetValidToken(ctx, req.Owner, req.Platform)
	if err != nil {
		log.Printf("[Dispatch] token_failed owner=%s platform=%s err=%v", req.Owner, req.Platform, err)
		return Outcome{Err: err}
	}

	externalID, err := a.Publish(ctx, req, token)
	if err != nil {
		log.Printf("[Dispatch] publish_failed owner=%s platform=%s dur=%dms err=%v",
			req.Owner, req.Platform, time.Since(start).Milliseconds(), err)
		return Outcome{Err: err}
	}
	log.Printf("[Dispatch] publish_ok owner=%s platform=%s externalId=%s dur=%dms",
		req.Owner, req.Platform, externalID, time.Since(start).Milliseconds())
	return Outcome{Success: true, ExternalID: externalID}
}

// BuildRequest normalizes a scheduled post into the adapter payload for its
// platform. It forwards only the fields that platform consumes, resolves the
// media reference to an absolute URL, and fails fast with a validation error
// when a required field is missing so no network call is wasted.
func BuildRequest(post models.ScheduledPost, origin string) (Request, error) {
	req := Request{
		Owner:    post.OwnerID,
		Platform: strings.ToLower(strings.TrimSpace(post.Platform)),
		Content:  strings.TrimSpace(post.Content),
	}
	mediaURL := ""
	if post.MediaRef != nil {
		mediaURL = ResolveMediaURL(origin, *post.MediaRef)
	}

	deref := func(p *string) string {
		if p == nil {
			return ""
		}
		return strings.TrimSpace(*p)
	}

	switch req.Platform {
	case PlatformX:
		if req.Content == "" {
			return Request{}, Errf(KindValidation, "missing_content")
		}
		req.MediaURL = mediaURL
	case PlatformFacebook:
		if req.Content == "" {
			return Request{}, Errf(KindValidation, "missing_content")
		}
		if deref(post.TargetAccountID) == "" {
			return Request{}, Errf(KindValidation, "missing_target_page")
		}
		req.MediaURL = mediaURL
		req.TargetAccountID = deref(post.TargetAccountID)
	case PlatformPinterest:
		if mediaURL == "" {
			return Request{}, Errf(KindValidation, "missing_media")
		}
		req.MediaURL = mediaURL
		req.BoardID = deref(post.BoardID)
		req.Title = deref(post.Title)
	case PlatformInstagram:
		if mediaURL == "" {
			return Request{}, Errf(KindValidation, "missing_media")
		}
		if deref(post.TargetAccountID) == "" {
			return Request{}, Errf(KindValidation, "missing_business_account")
		}
		req.MediaURL = mediaURL
		req.TargetAccountID = deref(post.TargetAccountID)
	case PlatformTikTok:
		if mediaURL == "" {
			return Request{}, Errf(KindValidation, "missing_media")
		}
		req.MediaURL = mediaURL
		req.Title = deref(post.Title)
		req.PrivacyLevel = deref(post.PrivacyLevel)
	default:
		// Leave scoping to the adapter lookup; Dispatch reports the
		// unsupported tag with the same kind the router uses.
		req.MediaURL = mediaURL
	}
	return req, nil
}

// ResolveMediaURL turns a locally-scoped media reference into an absolute URL
// the external platform can fetch. Absolute references pass through untouched.
func ResolveMediaURL(origin, ref string) string {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return ""
	}
	if strings.HasPrefix(ref, "http://") || strings.HasPrefix(ref, "https://") {
		return ref
	}
	origin = strings.TrimRight(strings.TrimSpace(origin), "/")
	if !strings.HasPrefix(ref, "/") {
		ref = "/" + ref
	}
	return origin + ref
}
