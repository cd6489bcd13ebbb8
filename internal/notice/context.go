package notice

import "slices"

// Context keys understood by the dispatcher and the channels.
const (
	// KeyTarget holds the entity the notice is about.
	KeyTarget = "target"
	// KeyDisallow holds channel ids that must be skipped for this dispatch.
	KeyDisallow = "disallow_notice"
	// KeyMessage holds a message-like entity whose url and sender take precedence.
	KeyMessage = "pm_message"
	// KeyAppLabel overrides the template namespace (falls back to the category label).
	KeyAppLabel = "app_label"
	// KeyLanguage pins the render locale, overriding the recipient's preference.
	KeyLanguage = "language_code"
)

const KindUser = "user"

// EntityRef is a kind+id reference to any entity.
type EntityRef struct {
	Kind string `json:"kind"`
	ID   int64  `json:"id"`
}

// Referable entities can be reduced to a reference, e.g. when a dispatch is queued.
type Referable interface {
	Ref() EntityRef
}

// Linked entities expose a canonical url.
type Linked interface {
	AbsoluteURL() string
}

// Translatable entities return a locale specific projection of themselves.
// Implementations must not mutate the receiver.
type Translatable interface {
	InLocale(locale string) any
}

// Message is a message-like context value (e.g. a private message) whose url
// becomes the notice target and whose author becomes the sender.
type Message interface {
	Linked
	From() *User
}

func (u User) AbsoluteURL() string { return u.URL }

// Context is the caller supplied data rendered into templates.
type Context map[string]any

// Clone returns a shallow copy. Dispatch never mutates the caller's map.
func (c Context) Clone() Context {
	out := make(Context, len(c)+8)
	for k, v := range c {
		out[k] = v
	}
	return out
}

func (c Context) Target() (any, bool) {
	v, ok := c[KeyTarget]
	if !ok || v == nil {
		return nil, false
	}
	return v, true
}

// Message returns the message value. A typed nil pointer counts as absent.
func (c Context) Message() (Message, bool) {
	m, ok := c[KeyMessage].(Message)
	if !ok || m == nil || nilMessage(m) {
		return nil, false
	}
	return m, true
}

// nilMessage reports whether calling m panics, which is what a nil pointer
// with value receivers does.
func nilMessage(m Message) (isNil bool) {
	defer func() {
		if recover() != nil {
			isNil = true
		}
	}()
	_ = m.AbsoluteURL()
	_ = m.From()
	return false
}

func (c Context) AppLabel() string {
	s, _ := c[KeyAppLabel].(string)
	return s
}

func (c Context) Language() string {
	s, _ := c[KeyLanguage].(string)
	return s
}

// Disallowed reports whether channel is listed under KeyDisallow.
func (c Context) Disallowed(channel string) bool {
	return slices.Contains(c.DisallowList(), channel)
}

// DisallowList returns the channel ids under KeyDisallow, sorted. Sets keep
// the keys whose value is not false.
func (c Context) DisallowList() []string {
	var out []string
	switch v := c[KeyDisallow].(type) {
	case string:
		out = []string{v}
	case []string:
		out = slices.Clone(v)
	case []any:
		for _, s := range v {
			if s, ok := s.(string); ok {
				out = append(out, s)
			}
		}
	case map[string]bool:
		for k, on := range v {
			if on {
				out = append(out, k)
			}
		}
	case map[string]struct{}:
		for k := range v {
			out = append(out, k)
		}
	case map[string]any:
		for k, x := range v {
			if on, ok := x.(bool); ok && !on {
				continue
			}
			out = append(out, k)
		}
	}
	slices.Sort(out)
	return out
}

// IsEntity reports whether v refers to the same entity as ref.
func IsEntity(v any, ref EntityRef) bool {
	switch x := v.(type) {
	case Referable:
		return x.Ref() == ref
	case EntityRef:
		return x == ref
	case *EntityRef:
		return x != nil && *x == ref
	}
	return false
}
