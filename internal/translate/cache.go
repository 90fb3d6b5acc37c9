// Package translate memoizes message translations per (text, language) pair.
package translate

import (
	"context"
	"fmt"

	lru "github.com/hashicorp/golang-lru/v2"
	jww "github.com/spf13/jwalterweatherman"
	"golang.org/x/sync/singleflight"
	"golang.org/x/text/language"

	"chat-client/internal/models"
	"chat-client/internal/observability"
)

// DefaultCacheSize bounds the number of remembered translations.
const DefaultCacheSize = 1024

// Translator performs one translation. Implementations return an error that
// wraps models.ErrTranslationUnavailable when the service cannot answer.
type Translator interface {
	Translate(ctx context.Context, text, language string) (string, error)
}

type key struct {
	text     string
	language string
}

// Cache fronts a Translator. Entries are never updated once stored.
type Cache struct {
	translator Translator
	entries    *lru.Cache[key, string]
	group      singleflight.Group
}

func NewCache(translator Translator, size int) (*Cache, error) {
	if size <= 0 {
		size = DefaultCacheSize
	}
	entries, err := lru.New[key, string](size)
	if err != nil {
		return nil, err
	}
	return &Cache{translator: translator, entries: entries}, nil
}

// Translate returns the translation of text into lang. Any failure, including
// an invalid language tag, yields text unchanged and is not cached.
func (c *Cache) Translate(ctx context.Context, text, lang string) string {
	if text == "" {
		return text
	}
	tag, err := language.Parse(lang)
	if err != nil {
		jww.WARN.Printf("[XLAT] invalid target language %q: %v", lang, err)
		observability.IncTranslation("invalid")
		return text
	}
	k := key{text: text, language: tag.String()}

	if v, ok := c.entries.Get(k); ok {
		observability.IncTranslation("hit")
		return v
	}

	v, err, _ := c.group.Do(k.language+"\x00"+k.text, func() (any, error) {
		if v, ok := c.entries.Get(k); ok {
			return v, nil
		}
		out, err := c.translator.Translate(ctx, k.text, k.language)
		if err != nil {
			return nil, err
		}
		c.entries.Add(k, out)
		return out, nil
	})
	if err != nil {
		observability.IncTranslation("error")
		jww.WARN.Printf("[XLAT] translate to %s: %v", k.language, err)
		return text
	}
	observability.IncTranslation("miss")
	return v.(string)
}

// Cached reports a stored translation without calling out.
func (c *Cache) Cached(text, lang string) (string, bool) {
	tag, err := language.Parse(lang)
	if err != nil {
		return "", false
	}
	return c.entries.Get(key{text: text, language: tag.String()})
}

func (c *Cache) Len() int {
	return c.entries.Len()
}

func unavailable(format string, args ...any) error {
	return fmt.Errorf("%w: %s", models.ErrTranslationUnavailable, fmt.Sprintf(format, args...))
}
