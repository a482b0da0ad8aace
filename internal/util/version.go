package util

import (
	"strconv"
	"strings"
)

// CompareVersions 按点分数字逐段比较版本号，缺失段视为 0，非数字段按字典序
// 返回 -1 / 0 / 1
func CompareVersions(a, b string) int {
	as := strings.Split(strings.TrimPrefix(strings.TrimSpace(a), "v"), ".")
	bs := strings.Split(strings.TrimPrefix(strings.TrimSpace(b), "v"), ".")
	n := len(as)
	if len(bs) > n {
		n = len(bs)
	}
	for i := 0; i < n; i++ {
		var x, y string
		if i < len(as) {
			x = as[i]
		}
		if i < len(bs) {
			y = bs[i]
		}
		if c := compareSegment(x, y); c != 0 {
			return c
		}
	}
	return 0
}

func compareSegment(x, y string) int {
	if x == "" {
		x = "0"
	}
	if y == "" {
		y = "0"
	}
	xi, errX := strconv.Atoi(x)
	yi, errY := strconv.Atoi(y)
	if errX == nil && errY == nil {
		switch {
		case xi < yi:
			return -1
		case xi > yi:
			return 1
		}
		return 0
	}
	return strings.Compare(x, y)
}

// MajorVersion 返回版本号首段数字，无法解析时返回 0
func MajorVersion(v string) int {
	head := strings.SplitN(strings.TrimSpace(v), ".", 2)[0]
	n, err := strconv.Atoi(head)
	if err != nil {
		return 0
	}
	return n
}
