package util

import (
	"bytes"
	"io"
	"strings"
	"unicode/utf8"

	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/charmap"
	"golang.org/x/text/encoding/simplifiedchinese"
	"golang.org/x/text/transform"
)

// 实验室主机（尤其是中文 Windows 通过 SSH 执行 adb）的输出可能不是 UTF-8
var legacyEncodings = []encoding.Encoding{
	simplifiedchinese.GB18030,
	simplifiedchinese.GBK,
	charmap.Windows1252,
}

// DecodeOutput 将命令输出转换为 UTF-8 字符串；已是 UTF-8 时原样返回
func DecodeOutput(b []byte) string {
	if len(b) == 0 {
		return ""
	}
	if utf8.Valid(b) {
		return string(b)
	}
	for _, enc := range legacyEncodings {
		reader := transform.NewReader(bytes.NewReader(b), enc.NewDecoder())
		decoded, err := io.ReadAll(reader)
		if err == nil && utf8.Valid(decoded) {
			return string(decoded)
		}
	}
	return string(b)
}

// Lines 按行切分输出，统一换行符并去除首尾空白，忽略空行
func Lines(output string) []string {
	output = strings.ReplaceAll(output, "\r\n", "\n")
	output = strings.ReplaceAll(output, "\r", "\n")
	raw := strings.Split(output, "\n")
	lines := make([]string, 0, len(raw))
	for _, l := range raw {
		if l = strings.TrimSpace(l); l != "" {
			lines = append(lines, l)
		}
	}
	return lines
}
