package util

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCompareVersions(t *testing.T) {
	cases := []struct {
		a, b string
		want int
	}{
		{"114.0.5735.90", "114.0.5735.90", 0},
		{"114.0.5735.90", "113.0.5672.63", 1},
		{"2.9", "2.10", -1},
		{"14", "14.0.0", 0},
		{"v1.2.3", "1.2.4", -1},
	}
	for _, c := range cases {
		assert.Equal(t, c.want, CompareVersions(c.a, c.b), "%s vs %s", c.a, c.b)
	}
}

func TestMajorVersion(t *testing.T) {
	assert.Equal(t, 120, MajorVersion("120.0.6099.43"))
	assert.Equal(t, 0, MajorVersion("unknown"))
}

func TestDecodeOutputGBK(t *testing.T) {
	// "设备" 的 GBK 编码
	gbk := []byte{0xc9, 0xe8, 0xb1, 0xb8}
	assert.Equal(t, "设备", DecodeOutput(gbk))
	assert.Equal(t, "emulator-5554", DecodeOutput([]byte("emulator-5554")))
}

func TestLines(t *testing.T) {
	assert.Equal(t, []string{"a", "b"}, Lines("a\r\n\r\n  b  \n"))
}
