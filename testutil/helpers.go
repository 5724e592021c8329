// =============================================================================
// 🧪 测试辅助函数
// =============================================================================
// 内存 Redis、带超时的上下文与异步断言
//
// 使用方法:
//
//	mr, kv := testutil.NewRedis(t)
//	ctx := testutil.TestContext(t)
//	testutil.AssertEventuallyTrue(t, func() bool { return done() }, 5*time.Second)
// =============================================================================
package testutil

import (
	"context"
	"testing"
	"time"

	"github.com/BaSui01/dagflow/internal/kvstore"
	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
)

// DefaultTimeout 单个测试上下文的默认时限
const DefaultTimeout = 30 * time.Second

// TestContext 返回在测试结束或超时后取消的上下文
func TestContext(t testing.TB) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), DefaultTimeout)
	t.Cleanup(cancel)
	return ctx
}

// NewRedis 启动 miniredis 并返回连接到它的 kvstore 客户端，二者随测试结束关闭
func NewRedis(t testing.TB) (*miniredis.Miniredis, *kvstore.Client) {
	t.Helper()

	mr := miniredis.RunT(t)
	cfg := kvstore.DefaultConfig()
	cfg.Addr = mr.Addr()
	cfg.HealthCheckInterval = 0

	client, err := kvstore.NewClient(cfg, zap.NewNop())
	if err != nil {
		t.Fatalf("connect miniredis: %v", err)
	}
	t.Cleanup(func() { _ = client.Close() })
	return mr, client
}

// AssertEventuallyTrue 每 10ms 检查一次 condition，超时记为失败
func AssertEventuallyTrue(t testing.TB, condition func() bool, timeout time.Duration) bool {
	t.Helper()
	return assert.Eventually(t, condition, timeout, 10*time.Millisecond)
}
