package healing

import (
	"encoding/binary"
	"math"
	"time"

	"github.com/zeebo/blake3"
)

// Backoff 配置自动修复后的重试等待。
type Backoff struct {
	Initial time.Duration
	Factor  float64
	Max     time.Duration
	Jitter  bool
}

// DefaultBackoff 返回默认退避：初始 2 秒，指数 2，上限 30 秒，不加抖动。
func DefaultBackoff() Backoff {
	return Backoff{Initial: 2 * time.Second, Factor: 2, Max: 30 * time.Second}
}

// Delay 返回第 attempt 次重试（从 1 开始）前的等待时长：
// initial * factor^(attempt-1)，先封顶再叠加抖动。
// 抖动由 seed 决定，同一次运行的同一次重试总是得到相同的值。
func (b Backoff) Delay(attempt int, seed string) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	if b.Initial <= 0 {
		return 0
	}
	factor := b.Factor
	if factor <= 0 {
		factor = 1
	}
	delay := float64(b.Initial) * math.Pow(factor, float64(attempt-1))
	if b.Max > 0 {
		delay = math.Min(delay, float64(b.Max))
	}
	if b.Jitter {
		delay *= 0.5 + jitterUnit(seed)
	}
	if delay < 0 {
		delay = 0
	}
	return time.Duration(delay)
}

func jitterUnit(seed string) float64 {
	sum := blake3.Sum256([]byte(seed))
	return float64(binary.BigEndian.Uint64(sum[:8])) / float64(math.MaxUint64)
}
