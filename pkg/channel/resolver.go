package channel

import (
	"fmt"
	"reflect"
	"sort"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/DeBrosOfficial/redisbridge/pkg/codec"
	bridgeerrors "github.com/DeBrosOfficial/redisbridge/pkg/errors"
)

// AmbiguityPolicy decides what happens when several descriptors can claim
// one inbound channel.
type AmbiguityPolicy int

const (
	// FirstMatch tries candidates in registration order; the first one that
	// decodes wins.
	FirstMatch AmbiguityPolicy = iota
	// Reject refuses overlapping registrations of different types and treats
	// more than one candidate at dispatch time as a decoding failure.
	Reject
)

// ParsePolicy maps a config string to a policy.
func ParsePolicy(s string) (AmbiguityPolicy, error) {
	switch s {
	case "", "first_match":
		return FirstMatch, nil
	case "reject":
		return Reject, nil
	default:
		return FirstMatch, fmt.Errorf("unknown ambiguity policy %q", s)
	}
}

const defaultCacheSize = 1024

// Descriptor binds a message type to a channel (or channel pattern) and a codec.
type Descriptor struct {
	// Name is the registered name, before namespacing. It travels in the
	// envelope as the declared type.
	Name string
	// Channel is the namespaced wire channel or pattern.
	Channel string
	Type    reflect.Type
	Codec   codec.Codec
	Pattern bool

	seq int
}

// Target returns the codec view of the descriptor.
func (d Descriptor) Target() codec.Target {
	return codec.Target{Name: d.Name, Type: d.Type, Codec: d.Codec}
}

// Options configures a Resolver.
type Options struct {
	Namespace string
	Ambiguity AmbiguityPolicy
	CacheSize int
}

// Resolver maps message types to channels and channels back to candidate
// descriptors.
type Resolver struct {
	mu        sync.RWMutex
	namespace string
	policy    AmbiguityPolicy
	byType    map[reflect.Type]*Descriptor
	byChannel map[string]*Descriptor
	patterns  []*Descriptor
	seq       int

	// channel -> candidates; purged on every registration
	cache *lru.Cache[string, []Descriptor]
}

// NewResolver creates a resolver.
func NewResolver(opts Options) (*Resolver, error) {
	size := opts.CacheSize
	if size <= 0 {
		size = defaultCacheSize
	}
	cache, err := lru.New[string, []Descriptor](size)
	if err != nil {
		return nil, fmt.Errorf("failed to create resolver cache: %w", err)
	}
	return &Resolver{
		namespace: opts.Namespace,
		policy:    opts.Ambiguity,
		byType:    make(map[reflect.Type]*Descriptor),
		byChannel: make(map[string]*Descriptor),
		cache:     cache,
	}, nil
}

// Policy returns the configured ambiguity policy.
func (r *Resolver) Policy() AmbiguityPolicy { return r.policy }

// Namespaced returns the wire channel for a topic.
func (r *Resolver) Namespaced(topic string) string {
	if r.namespace == "" {
		return topic
	}
	return fmt.Sprintf("%s.%s", r.namespace, topic)
}

// Register binds the type of sample to name. See RegisterType.
func (r *Resolver) Register(name string, sample any, c codec.Codec) (Descriptor, error) {
	if sample == nil {
		return Descriptor{}, bridgeerrors.NewValidationError("sample", "must not be nil", nil)
	}
	return r.RegisterType(name, reflect.TypeOf(sample), c)
}

// Register binds T to name.
func Register[T any](r *Resolver, name string, c codec.Codec) (Descriptor, error) {
	return r.RegisterType(name, reflect.TypeOf((*T)(nil)).Elem(), c)
}

// RegisterType binds t to name using codec c (JSON when nil). Registering
// the same pair twice is a no-op. A channel already bound to another type,
// or a type already bound to another channel, is a ChannelConflictError.
func (r *Resolver) RegisterType(name string, t reflect.Type, c codec.Codec) (Descriptor, error) {
	if name == "" {
		return Descriptor{}, bridgeerrors.NewValidationError("name", "must not be empty", nil)
	}
	if t == nil || t.Kind() == reflect.Interface {
		return Descriptor{}, bridgeerrors.NewValidationError("type", "must be a concrete type", nil)
	}
	if c == nil {
		c = codec.JSON{}
	}
	if p, ok := c.(codec.Proto); ok && !p.SupportsType(t) {
		return Descriptor{}, bridgeerrors.NewValidationError("type",
			fmt.Sprintf("%s does not implement proto.Message", t), nil)
	}

	ch := r.Namespaced(name)

	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.byType[t]; ok {
		if existing.Channel == ch {
			return *existing, nil
		}
		return Descriptor{}, bridgeerrors.NewChannelConflictError(ch,
			fmt.Sprintf("%s (on %q)", t, existing.Channel), t.String())
	}
	if existing, ok := r.byChannel[ch]; ok {
		return Descriptor{}, bridgeerrors.NewChannelConflictError(ch, existing.Type.String(), t.String())
	}

	pattern := IsPattern(ch)
	if r.policy == Reject {
		if err := r.checkOverlap(ch, t, pattern); err != nil {
			return Descriptor{}, err
		}
	}

	r.seq++
	d := &Descriptor{Name: name, Channel: ch, Type: t, Codec: c, Pattern: pattern, seq: r.seq}
	r.byType[t] = d
	r.byChannel[ch] = d
	if pattern {
		r.patterns = append(r.patterns, d)
	}
	r.cache.Purge()
	return *d, nil
}

// checkOverlap flags pattern/exact overlaps between different types.
// Pattern-against-pattern overlap is not detected.
func (r *Resolver) checkOverlap(ch string, t reflect.Type, pattern bool) error {
	if pattern {
		for _, d := range r.byChannel {
			if !d.Pattern && d.Type != t && Match(ch, d.Channel) {
				return bridgeerrors.NewChannelConflictError(d.Channel, d.Type.String(), t.String())
			}
		}
		return nil
	}
	for _, p := range r.patterns {
		if p.Type != t && Match(p.Channel, ch) {
			return bridgeerrors.NewChannelConflictError(ch, p.Type.String(), t.String())
		}
	}
	return nil
}

// DescriptorFor returns the descriptor registered for t.
func (r *Resolver) DescriptorFor(t reflect.Type) (Descriptor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.byType[t]
	if !ok {
		return Descriptor{}, false
	}
	return *d, true
}

// DescriptorNamed returns the descriptor registered under name, before
// namespacing.
func (r *Resolver) DescriptorNamed(name string) (Descriptor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.byChannel[r.Namespaced(name)]
	if !ok {
		return Descriptor{}, false
	}
	return *d, true
}

// ChannelFor returns the wire channel of msg's type. Types registered
// under a pattern have no single channel and need an explicit topic.
func (r *Resolver) ChannelFor(msg any) (string, error) {
	t := reflect.TypeOf(msg)
	d, ok := r.DescriptorFor(t)
	if !ok {
		return "", bridgeerrors.NewEncodingError(fmt.Sprintf("%v", t), bridgeerrors.ErrUnregistered)
	}
	if d.Pattern {
		return "", fmt.Errorf("%w: %s is registered on pattern %q, publish with an explicit topic",
			bridgeerrors.ErrInvalidInput, t, d.Channel)
	}
	return d.Channel, nil
}

// TypesFor returns every descriptor that can claim channel: the exact match
// first, then matching patterns in registration order.
func (r *Resolver) TypesFor(channel string) []Descriptor {
	if cached, ok := r.cache.Get(channel); ok {
		return cached
	}

	r.mu.RLock()
	var out []Descriptor
	if d, ok := r.byChannel[channel]; ok && !d.Pattern {
		out = append(out, *d)
	}
	for _, p := range r.patterns {
		if Match(p.Channel, channel) {
			out = append(out, *p)
		}
	}
	// added under the read lock so a concurrent Register cannot purge first
	r.cache.Add(channel, out)
	r.mu.RUnlock()
	return out
}

// Descriptors returns all registrations in registration order.
func (r *Resolver) Descriptors() []Descriptor {
	r.mu.RLock()
	out := make([]Descriptor, 0, len(r.byChannel))
	for _, d := range r.byChannel {
		out = append(out, *d)
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].seq < out[j].seq })
	return out
}
