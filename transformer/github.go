package transformer

import (
	"fmt"

	"github.com/kart-io/ingesthub/core/errors"
	"github.com/kart-io/ingesthub/core/notification"
)

// GitHubTransformer converts GitHub webhook payloads (push, pull_request,
// issues, release) into raw notifications.
type GitHubTransformer struct{}

// NewGitHubTransformer creates the GitHub webhook transformer.
func NewGitHubTransformer() *GitHubTransformer {
	return &GitHubTransformer{}
}

// Name implements Transformer.
func (t *GitHubTransformer) Name() string { return "github" }

// Priority implements Transformer. GitHub payloads are unmistakable, so
// this outranks the broader detectors.
func (t *GitHubTransformer) Priority() int { return 100 }

// Detect recognizes payloads carrying a repository object with a
// full_name, the one field every GitHub webhook event shares.
func (t *GitHubTransformer) Detect(payload Payload) bool {
	repo, ok := mapField(payload, "repository")
	if !ok {
		return false
	}
	_, ok = repo["full_name"].(string)
	return ok
}

// Transform implements Transformer.
func (t *GitHubTransformer) Transform(payload Payload) Result {
	repo, _ := mapField(payload, "repository")
	repoName, _ := repo["full_name"].(string)
	if repoName == "" {
		return Result{Err: errors.Newf(errors.CodeTransformationFailed, errors.CategoryTransformation,
			"github payload has no repository.full_name")}
	}

	event := t.eventType(payload)
	raw := &notification.RawPayload{
		Source:   "github",
		Priority: notification.PriorityNormal,
		Metadata: map[string]string{"repository": repoName, "event": event},
		Tags:     []string{"github", event},
		Original: payload,
	}

	switch event {
	case "push":
		raw.Title = fmt.Sprintf("[%s] push", repoName)
		if commits, ok := sliceField(payload, "commits"); ok && len(commits) > 0 {
			if first, ok := commits[0].(map[string]any); ok {
				if msg, ok := first["message"].(string); ok && msg != "" {
					raw.Title = fmt.Sprintf("[%s] push: %s", repoName, truncate(msg, 120))
					raw.Content = msg
				}
			}
			raw.Metadata["commits"] = fmt.Sprintf("%d", len(commits))
		}
		if pusher, ok := mapField(payload, "pusher"); ok {
			if name, ok := pusher["name"].(string); ok {
				raw.Metadata["pusher"] = name
			}
		}
	case "pull_request":
		pr, _ := mapField(payload, "pull_request")
		title, _ := pr["title"].(string)
		action, _ := stringField(payload, "action")
		raw.Title = fmt.Sprintf("[%s] pull request %s: %s", repoName, action, title)
		if body, ok := pr["body"].(string); ok {
			raw.Content = body
		}
	case "issues":
		issue, _ := mapField(payload, "issue")
		title, _ := issue["title"].(string)
		action, _ := stringField(payload, "action")
		raw.Title = fmt.Sprintf("[%s] issue %s: %s", repoName, action, title)
		if body, ok := issue["body"].(string); ok {
			raw.Content = body
		}
		raw.Priority = notification.PriorityHigh
	case "release":
		release, _ := mapField(payload, "release")
		tag, _ := release["tag_name"].(string)
		raw.Title = fmt.Sprintf("[%s] release %s", repoName, tag)
		if body, ok := release["body"].(string); ok {
			raw.Content = body
		}
	default:
		raw.Title = fmt.Sprintf("[%s] %s event", repoName, event)
	}

	return Result{Success: true, Data: raw, Confidence: 0.95}
}

// eventType infers the webhook event from payload shape. GitHub sends
// the event name in a header the transport does not forward, so shape
// is all we have.
func (t *GitHubTransformer) eventType(payload Payload) string {
	if _, ok := sliceField(payload, "commits"); ok {
		return "push"
	}
	if _, ok := mapField(payload, "pull_request"); ok {
		return "pull_request"
	}
	if _, ok := mapField(payload, "issue"); ok {
		return "issues"
	}
	if _, ok := mapField(payload, "release"); ok {
		return "release"
	}
	return "unknown"
}
