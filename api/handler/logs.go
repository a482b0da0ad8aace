package handler

import (
	"bufio"
	"net/http"
	"os"
	"strconv"
	"strings"

	"github.com/devicefarmpro/devicefarmpro/internal/config"
	"github.com/gin-gonic/gin"
)

const maxLogLines = 1000

// LogsHandler 运行日志查询
type LogsHandler struct {
	// path 为空时读取当前配置中的日志文件
	path string
}

// NewLogsHandler 创建日志处理器
func NewLogsHandler(path string) *LogsHandler { return &LogsHandler{path: path} }

// TailLogs 返回日志末尾 N 行，可按设备 udid、会话 id、级别过滤
// @Summary 日志查询
// @Tags admin
// @Produce json
// @Param udid query string false "设备 udid"
// @Param session query string false "会话 id"
// @Param level query string false "日志级别"
// @Param limit query int false "返回行数，默认 200，最大 1000"
// @Router /device-farm/api/logs [get]
func (h *LogsHandler) TailLogs(c *gin.Context) {
	path := h.path
	if path == "" {
		if cfg := config.Get(); cfg != nil && cfg.Log.Output != "console" {
			path = strings.TrimSpace(cfg.Log.FilePath)
		}
	}
	if path == "" {
		c.JSON(http.StatusBadRequest, ErrorResponse{Code: "LOG_PATH_EMPTY", Message: "日志未输出到文件"})
		return
	}

	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "200"))
	if limit <= 0 || limit > maxLogLines {
		limit = 200
	}

	var terms []string
	for _, key := range []string{"udid", "session"} {
		if v := strings.TrimSpace(c.Query(key)); v != "" {
			terms = append(terms, v)
		}
	}
	level := strings.ToLower(strings.TrimSpace(c.Query("level")))

	lines, err := tailLines(path, limit, func(line string) bool {
		for _, term := range terms {
			if !strings.Contains(line, term) {
				return false
			}
		}
		return level == "" || matchesLevel(line, level)
	})
	if err != nil {
		c.JSON(http.StatusInternalServerError, ErrorResponse{Code: "READ_FAILED", Message: "读取日志失败: " + err.Error()})
		return
	}

	c.JSON(http.StatusOK, SuccessResponse{
		Code:    "SUCCESS",
		Message: "获取日志成功",
		Data: gin.H{
			"path":  path,
			"count": len(lines),
			"lines": lines,
		},
	})
}

// matchesLevel 兼容 json 与 text 两种日志格式
func matchesLevel(line, level string) bool {
	lc := strings.ToLower(line)
	return strings.Contains(lc, `"level":"`+level+`"`) || strings.Contains(lc, "level="+level)
}

// tailLines 顺序扫描文件，只保留最后 limit 条匹配行
func tailLines(path string, limit int, keep func(string) bool) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	ring := make([]string, limit)
	n := 0
	s := bufio.NewScanner(f)
	s.Buffer(make([]byte, 0, 64*1024), 10*1024*1024)
	for s.Scan() {
		line := s.Text()
		if !keep(line) {
			continue
		}
		ring[n%limit] = line
		n++
	}
	if err := s.Err(); err != nil {
		return nil, err
	}

	if n <= limit {
		return ring[:n], nil
	}
	out := make([]string, 0, limit)
	start := n % limit
	out = append(out, ring[start:]...)
	out = append(out, ring[:start]...)
	return out, nil
}
