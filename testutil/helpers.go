// =============================================================================
// 🧪 测试辅助函数
// =============================================================================
// 提供通用的测试辅助函数和断言
//
// 使用方法:
//
//	ctx := testutil.TestContext(t)
//	testutil.AssertEventuallyTrue(t, func() bool { return condition }, 5*time.Second)
// =============================================================================
package testutil

import (
	"context"
	"encoding/json"
	"reflect"
	"testing"
	"time"
)

// =============================================================================
// 🎯 上下文辅助
// =============================================================================

// TestContext 返回带超时的测试上下文
func TestContext(t *testing.T) context.Context {
	return TestContextWithTimeout(t, 30*time.Second)
}

// TestContextWithTimeout 返回带自定义超时的测试上下文
func TestContextWithTimeout(t *testing.T, timeout time.Duration) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	t.Cleanup(cancel)
	return ctx
}

// CancelledContext 返回已取消的上下文
func CancelledContext() context.Context {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	return ctx
}

// =============================================================================
// 🔍 断言辅助
// =============================================================================

// AssertJSONEqual 断言两个值序列化后的 JSON 语义相等
func AssertJSONEqual(t *testing.T, expected, actual any) {
	t.Helper()

	var e, a any
	if err := json.Unmarshal([]byte(MustJSON(expected)), &e); err != nil {
		t.Fatalf("failed to re-parse expected: %v", err)
	}
	if err := json.Unmarshal([]byte(MustJSON(actual)), &a); err != nil {
		t.Fatalf("failed to re-parse actual: %v", err)
	}
	if !reflect.DeepEqual(e, a) {
		t.Errorf("JSON mismatch:\nexpected: %s\nactual:   %s", MustJSON(expected), MustJSON(actual))
	}
}

// AssertEventuallyTrue 轮询直到条件成立或超时
func AssertEventuallyTrue(t *testing.T, condition func() bool, timeout time.Duration) {
	t.Helper()
	if !WaitFor(condition, timeout) {
		t.Errorf("condition not met within %v", timeout)
	}
}

// =============================================================================
// ⏳ 等待辅助
// =============================================================================

// WaitFor 每 10ms 检查一次条件，返回超时前是否成立
func WaitFor(condition func() bool, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if condition() {
			return true
		}
		time.Sleep(10 * time.Millisecond)
	}
	return condition()
}

// WaitForChannel 等待通道中的下一个值
func WaitForChannel[T any](ch <-chan T, timeout time.Duration) (T, bool) {
	select {
	case v, ok := <-ch:
		return v, ok
	case <-time.After(timeout):
		var zero T
		return zero, false
	}
}

// =============================================================================
// 📦 数据工具
// =============================================================================

// MustJSON 序列化为 JSON 字符串，失败时 panic
func MustJSON(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return string(b)
}

// MustParseJSON 解析 JSON 字符串，失败时 panic
func MustParseJSON[T any](s string) T {
	var v T
	if err := json.Unmarshal([]byte(s), &v); err != nil {
		panic(err)
	}
	return v
}
