package types

import (
	"context"
	"testing"
	"time"
)

// TestInterfaces verifies that our interfaces are properly structured
func TestInterfaces(t *testing.T) {
	var (
		_ MDAL             = (*mockMDAL)(nil)
		_ MDALHandle       = (*mockMDALHandle)(nil)
		_ Scanner          = (*mockScanner)(nil)
		_ DAL              = (*mockDAL)(nil)
		_ DALHandle        = (*mockDALHandle)(nil)
		_ MetricsCollector = (*mockMetricsCollector)(nil)
	)
}

// Mock implementations for testing interface compliance

type mockMDAL struct{}

func (m *mockMDAL) Open(ctx context.Context, refPath string, flags int, mode uint32) (MDALHandle, error) {
	return &mockMDALHandle{}, nil
}
func (m *mockMDAL) Mkdir(ctx context.Context, refPath string, mode uint32) error { return nil }
func (m *mockMDAL) Scandir(ctx context.Context, refPath string) (Scanner, error) {
	return &mockScanner{}, nil
}
func (m *mockMDAL) Symlink(ctx context.Context, target, refPath string) error { return nil }
func (m *mockMDAL) Readlink(ctx context.Context, refPath string) (string, error) {
	return "", nil
}
func (m *mockMDAL) Unlink(ctx context.Context, refPath string) error         { return nil }
func (m *mockMDAL) Rename(ctx context.Context, oldPath, newPath string) error { return nil }
func (m *mockMDAL) Utime(ctx context.Context, refPath string, atime, mtime time.Time) error {
	return nil
}
func (m *mockMDAL) GetXattr(ctx context.Context, refPath, name string) (string, error) {
	return "", nil
}
func (m *mockMDAL) SetXattr(ctx context.Context, refPath, name, value string) error { return nil }
func (m *mockMDAL) RemoveXattr(ctx context.Context, refPath, name string) error     { return nil }
func (m *mockMDAL) ListXattr(ctx context.Context, refPath string) ([]string, error) {
	return nil, nil
}
func (m *mockMDAL) SetUsage(ctx context.Context, nsID string, fileUsage, byteUsage int64) error {
	return nil
}
func (m *mockMDAL) GetUsage(ctx context.Context, nsID string) (int64, int64, error) {
	return 0, 0, nil
}
func (m *mockMDAL) Stat(ctx context.Context, refPath string) (RefStat, error) {
	return RefStat{}, nil
}

type mockMDALHandle struct{}

func (m *mockMDALHandle) Read(ctx context.Context, buf []byte, offset int64) (int, error) {
	return 0, nil
}
func (m *mockMDALHandle) Write(ctx context.Context, buf []byte, offset int64) (int, error) {
	return 0, nil
}
func (m *mockMDALHandle) Truncate(ctx context.Context, size int64) error { return nil }
func (m *mockMDALHandle) Size(ctx context.Context) (int64, error)       { return 0, nil }
func (m *mockMDALHandle) Close(ctx context.Context) error               { return nil }

type mockScanner struct{}

func (m *mockScanner) Next(ctx context.Context) (ScanEntry, bool, error) {
	return ScanEntry{}, false, nil
}
func (m *mockScanner) Close() error { return nil }

type mockDAL struct{}

func (m *mockDAL) Init(location ObjectLocation) DALHandle { return &mockDALHandle{} }

type mockDALHandle struct{}

func (m *mockDALHandle) Open(ctx context.Context, mode DALMode, chunkOffset, contentLength int64, preserveWrCount bool, timeout time.Duration) error {
	return nil
}
func (m *mockDALHandle) Put(ctx context.Context, data []byte) (int, error) { return len(data), nil }
func (m *mockDALHandle) Get(ctx context.Context, buf []byte) (int, error) { return 0, nil }
func (m *mockDALHandle) Abort(ctx context.Context) error                  { return nil }
func (m *mockDALHandle) Sync(ctx context.Context) error                  { return nil }
func (m *mockDALHandle) Close(ctx context.Context) error                 { return nil }
func (m *mockDALHandle) Delete(ctx context.Context) error                { return nil }
func (m *mockDALHandle) Destroy(ctx context.Context) error               { return nil }
func (m *mockDALHandle) UpdateLocation(ctx context.Context, location ObjectLocation) error {
	return nil
}

type mockMetricsCollector struct{}

func (m *mockMetricsCollector) RecordOperation(operation string, duration time.Duration, size int64, success bool) {
}
func (m *mockMetricsCollector) RecordCacheHit(key string, size int64)  {}
func (m *mockMetricsCollector) RecordCacheMiss(key string, size int64) {}
func (m *mockMetricsCollector) RecordError(operation string, err error) {}
func (m *mockMetricsCollector) GetMetrics() map[string]interface{}     { return nil }
