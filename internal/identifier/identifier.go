// Package identifier generates sortable ids for sessions, messages, parts,
// permission requests and spilled tool output files.
//
// An id is "<prefix>_<16 hex digits><14 random chars>". The hex digits encode
// the creation time in milliseconds multiplied by 4096 plus a per-process
// counter, so ids created by one process sort in creation order and the
// creation time can be recovered with Timestamp.
package identifier

import (
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Prefix names the entity kind encoded in an id.
type Prefix string

const (
	Session    Prefix = "ses"
	Message    Prefix = "msg"
	Part       Prefix = "prt"
	Permission Prefix = "per"
	Call       Prefix = "call"
	ToolOutput Prefix = "tool"
)

const (
	timeHexLen   = 16
	randomLen    = 14
	counterRange = 0x1000
)

var (
	mu       sync.Mutex
	lastTime int64
	counter  int64
)

// Ascending returns a new id that sorts after every id previously returned by
// this process.
func Ascending(prefix Prefix) string {
	return create(prefix, time.Now(), false)
}

// Descending returns an id that sorts before every id previously returned.
func Descending(prefix Prefix) string {
	return create(prefix, time.Now(), true)
}

func create(prefix Prefix, now time.Time, descending bool) string {
	ms := now.UnixMilli()

	mu.Lock()
	if ms != lastTime {
		lastTime = ms
		counter = 0
	}
	counter++
	value := ms*counterRange + counter
	mu.Unlock()

	if descending {
		value = ^value
	}

	buf := make([]byte, timeHexLen/2)
	for i := len(buf) - 1; i >= 0; i-- {
		buf[i] = byte(value & 0xff)
		value >>= 8
	}
	return string(prefix) + "_" + hex.EncodeToString(buf) + randomSuffix()
}

func randomSuffix() string {
	raw := strings.ReplaceAll(uuid.NewString(), "-", "")
	return raw[:randomLen]
}

// Timestamp recovers the creation time of an ascending id.
func Timestamp(id string) (time.Time, error) {
	idx := strings.IndexByte(id, '_')
	if idx < 0 || len(id) < idx+1+timeHexLen {
		return time.Time{}, fmt.Errorf("identifier: malformed id %q", id)
	}
	value, err := strconv.ParseInt(id[idx+1:idx+1+timeHexLen], 16, 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("identifier: malformed id %q: %w", id, err)
	}
	return time.UnixMilli(value / counterRange), nil
}

// HasPrefix reports whether id was created with prefix.
func HasPrefix(id string, prefix Prefix) bool {
	return strings.HasPrefix(id, string(prefix)+"_")
}
