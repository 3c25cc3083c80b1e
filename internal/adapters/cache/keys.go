package cache

import (
	"fmt"
	"strings"

	"github.com/okian/rankd/internal/domain/model"
)

const (
	livePrefix    = "lb:"
	requestPrefix = "lb-req:"
	minPrefix     = "lb-min:"
	orderPrefix   = "lb-ord:"
	seqPrefix     = "lb-seq:"
	memberPrefix  = "member:"
	tempSuffix    = ":temp"

	// removedKey holds entities hidden from every cached ranking.
	removedKey = "lb-removed"

	// memberIDWidth is the zero-padded width of the entry id in a member.
	memberIDWidth = 20
)

// Key names one cached ranking: the current interval of a leaderboard,
// optionally narrowed to one game mode.
type Key struct {
	Slug string
	Mode string
}

// NewKey builds a key, mapping the empty mode to model.ModeAll.
func NewKey(slug, mode string) Key {
	return Key{Slug: slug, Mode: model.NormalizeMode(mode)}
}

func (k Key) valid() bool {
	return k.Slug != "" && k.Mode != "" && !strings.Contains(k.Slug, ":") && !strings.Contains(k.Mode, ":")
}

func (k Key) String() string    { return k.Slug + ":" + k.Mode }
func (k Key) live() string      { return livePrefix + k.String() }
func (k Key) temp() string      { return k.live() + tempSuffix }
func (k Key) request() string   { return requestPrefix + k.String() }
func (k Key) minScore() string  { return minPrefix + k.String() }
func (k Key) order() string     { return orderPrefix + k.String() }
func (k Key) orderTemp() string { return k.order() + tempSuffix }
func (k Key) seq() string       { return seqPrefix + k.String() }

func memberKey(entityID string) string { return memberPrefix + entityID }

// rankMember is the sorted-set member of an entry: its zero-padded entry id,
// a colon and the entity id. Among equal scores ZREVRANGE then lists the
// higher entry id first, which is the store's order.
func rankMember(id int64, entityID string) string {
	return fmt.Sprintf("%0*d:%s", memberIDWidth, id, entityID)
}

// memberEntity strips the entry id from a sorted-set member.
func memberEntity(member string) string {
	if len(member) > memberIDWidth && member[memberIDWidth] == ':' {
		return member[memberIDWidth+1:]
	}
	return member
}

// parseKey splits "slug:mode" after prefix has been removed.
func parseKey(s string) (Key, bool) {
	slug, mode, ok := strings.Cut(s, ":")
	if !ok || slug == "" || mode == "" {
		return Key{}, false
	}
	return Key{Slug: slug, Mode: mode}, true
}

func parseRequestKey(redisKey string) (Key, bool) {
	rest, ok := strings.CutPrefix(redisKey, requestPrefix)
	if !ok {
		return Key{}, false
	}
	return parseKey(rest)
}

// parseLiveKey rejects staging keys.
func parseLiveKey(redisKey string) (Key, bool) {
	rest, ok := strings.CutPrefix(redisKey, livePrefix)
	if !ok || strings.HasSuffix(rest, tempSuffix) {
		return Key{}, false
	}
	return parseKey(rest)
}
