// Package title canonicalizes page titles per wiki, using the wiki's own
// namespace table and case conventions. The normalizer consumes the title
// contract of the platform; it does not redesign it.
package title

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"unicode"
	"unicode/utf8"

	"golang.org/x/sync/singleflight"

	"github.com/wikimedia-gadgets/dispatch/internal/types"
	"github.com/wikimedia-gadgets/dispatch/internal/wikiapi"
)

// ErrBadTitle is returned when a raw title violates the wiki's legal
// character set or is otherwise unusable.
var ErrBadTitle = errors.New("bad title")

// illegalTitle is the fallback invalid-title pattern, used when a wiki does
// not publish legaltitlechars or publishes a class this engine cannot
// compile: characters no title may contain, plus the percent-escape and
// entity forms the platform rejects.
var illegalTitle = regexp.MustCompile(`[#<>\[\]|{}\x00-\x1f\x7f]|%[0-9A-Fa-f]{2}|&[a-zA-Z0-9\x80-\xff]+;`)

// compileIllegal inverts the wiki's legaltitlechars character class,
// keeping the escape and entity forms that are rejected everywhere.
func compileIllegal(legal string) (*regexp.Regexp, error) {
	return regexp.Compile(`[^` + legal + `]|%[0-9A-Fa-f]{2}|&[a-zA-Z0-9\x80-\xff]+;`)
}

// Normalizer caches one Titler per wiki, fetching namespace metadata on
// first use. The cache is held indefinitely until Flush.
type Normalizer struct {
	mu      sync.Mutex
	titlers map[string]*Titler
	clients *wikiapi.ClientPool
	group   singleflight.Group
}

// NewNormalizer builds a normalizer over the shared client pool.
func NewNormalizer(clients *wikiapi.ClientPool) *Normalizer {
	return &Normalizer{
		titlers: make(map[string]*Titler),
		clients: clients,
	}
}

// ForWiki returns the per-wiki titler, fetching namespace metadata if it is
// not cached. Concurrent first calls for the same wiki share one fetch.
func (n *Normalizer) ForWiki(ctx context.Context, wiki *types.Wiki) (*Titler, error) {
	n.mu.Lock()
	if t, ok := n.titlers[wiki.DBName]; ok {
		n.mu.Unlock()
		return t, nil
	}
	n.mu.Unlock()

	v, err, _ := n.group.Do(wiki.DBName, func() (any, error) {
		si, err := n.clients.For(wiki).Siteinfo(ctx)
		if err != nil {
			return nil, fmt.Errorf("fetching siteinfo for %s: %w", wiki.DBName, err)
		}
		t := newTitler(si)
		n.mu.Lock()
		n.titlers[wiki.DBName] = t
		n.mu.Unlock()
		return t, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Titler), nil
}

// Flush drops all cached titlers.
func (n *Normalizer) Flush() {
	n.mu.Lock()
	n.titlers = make(map[string]*Titler)
	n.mu.Unlock()
}

// Title is a canonicalized title.
type Title struct {
	Namespace    int
	PrefixedText string
	MainText     string
}

// Titler canonicalizes titles for one wiki.
type Titler struct {
	namespaces map[int]wikiapi.Namespace
	byPrefix   map[string]int // lowercased canonical names, local names, aliases
	illegal    *regexp.Regexp
}

func newTitler(si *wikiapi.Siteinfo) *Titler {
	t := &Titler{
		namespaces: make(map[int]wikiapi.Namespace),
		byPrefix:   make(map[string]int),
		illegal:    illegalTitle,
	}
	if chars := si.General.LegalTitleChars; chars != "" {
		if re, err := compileIllegal(chars); err == nil {
			t.illegal = re
		}
	}
	for _, ns := range si.Namespaces {
		t.namespaces[ns.ID] = ns
		if ns.Name != "" {
			t.byPrefix[normalizePrefix(ns.Name)] = ns.ID
		}
		if ns.Canonical != "" {
			t.byPrefix[normalizePrefix(ns.Canonical)] = ns.ID
		}
	}
	for _, alias := range si.NamespaceAliases {
		t.byPrefix[normalizePrefix(alias.Alias)] = alias.ID
	}
	return t
}

func normalizePrefix(p string) string {
	return strings.ToLower(strings.ReplaceAll(strings.TrimSpace(p), "_", " "))
}

// MakeTitle builds a canonical title in the given namespace from raw input.
// A namespace prefix inside raw overrides ns. Fails with ErrBadTitle when
// the cleaned text violates the legal-character set or is empty.
func (t *Titler) MakeTitle(ns int, raw string) (*Title, error) {
	text := strings.TrimSpace(strings.ReplaceAll(raw, "_", " "))
	text = strings.Join(strings.Fields(text), " ")
	if text == "" {
		return nil, fmt.Errorf("%w: empty title", ErrBadTitle)
	}

	// Resolve an embedded namespace prefix, e.g. "User talk:Example".
	if idx := strings.Index(text, ":"); idx > 0 {
		if id, ok := t.byPrefix[normalizePrefix(text[:idx])]; ok {
			ns = id
			text = strings.TrimSpace(text[idx+1:])
			if text == "" {
				return nil, fmt.Errorf("%w: empty title after namespace", ErrBadTitle)
			}
		}
	}

	if t.illegal.MatchString(text) {
		return nil, fmt.Errorf("%w: %q contains illegal characters", ErrBadTitle, raw)
	}
	if strings.HasPrefix(text, "./") || strings.HasPrefix(text, "../") ||
		strings.Contains(text, "/./") || strings.Contains(text, "/../") {
		return nil, fmt.Errorf("%w: %q is a relative path", ErrBadTitle, raw)
	}

	nsDesc, ok := t.namespaces[ns]
	if !ok {
		return nil, fmt.Errorf("%w: unknown namespace %d", ErrBadTitle, ns)
	}
	if nsDesc.Case != "case-sensitive" {
		text = upperFirst(text)
	}

	prefixed := text
	if nsDesc.Name != "" {
		prefixed = nsDesc.Name + ":" + text
	}
	return &Title{Namespace: ns, PrefixedText: prefixed, MainText: text}, nil
}

// Namespace returns the descriptor for a namespace id.
func (t *Titler) Namespace(id int) (wikiapi.Namespace, bool) {
	ns, ok := t.namespaces[id]
	return ns, ok
}

func upperFirst(s string) string {
	r, size := utf8.DecodeRuneInString(s)
	if r == utf8.RuneError {
		return s
	}
	return string(unicode.ToUpper(r)) + s[size:]
}
