package capmc

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"powcap/internal/common"
)

// FormatNID 将节点ID渲染为固定宽度的节点名，例如 7 -> "nid00007"
func FormatNID(nid int) string {
	return fmt.Sprintf("nid%05d", nid)
}

// ParseNID 从节点名解析节点ID，剥离 "nid" 前缀与前导零
func ParseNID(name string) (int, error) {
	if !strings.HasPrefix(name, "nid") {
		return 0, fmt.Errorf("%w: invalid node name %q", common.ErrInvalidParameter, name)
	}
	nid, err := strconv.Atoi(name[3:])
	if err != nil {
		return 0, fmt.Errorf("%w: invalid node name %q", common.ErrInvalidParameter, name)
	}
	return nid, nil
}

// CompressNIDs 将节点ID列表压缩为范围表达式，例如 [3,4,5,9] -> "3-5,9"。
// 输入会先排序去重。所有发送给工具或写入日志的节点列表都使用该格式。
func CompressNIDs(nids []int) string {
	if len(nids) == 0 {
		return ""
	}

	sorted := make([]int, len(nids))
	copy(sorted, nids)
	sort.Ints(sorted)

	var b strings.Builder
	start, prev := sorted[0], sorted[0]
	flush := func() {
		if b.Len() > 0 {
			b.WriteByte(',')
		}
		if start == prev {
			fmt.Fprintf(&b, "%d", start)
		} else {
			fmt.Fprintf(&b, "%d-%d", start, prev)
		}
	}
	for _, nid := range sorted[1:] {
		if nid == prev || nid == prev+1 {
			if nid == prev+1 {
				prev = nid
			}
			continue
		}
		flush()
		start, prev = nid, nid
	}
	flush()
	return b.String()
}

// ExpandNIDs 展开范围表达式为节点ID列表，例如 "3-5,9" -> [3,4,5,9]
func ExpandNIDs(expr string) ([]int, error) {
	var nids []int
	for _, part := range strings.Split(expr, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		lo, hi, isRange := strings.Cut(part, "-")
		first, err := strconv.Atoi(lo)
		if err != nil {
			return nil, fmt.Errorf("%w: invalid nid range %q", common.ErrInvalidParameter, part)
		}
		last := first
		if isRange {
			last, err = strconv.Atoi(hi)
			if err != nil || last < first {
				return nil, fmt.Errorf("%w: invalid nid range %q", common.ErrInvalidParameter, part)
			}
		}
		for nid := first; nid <= last; nid++ {
			nids = append(nids, nid)
		}
	}
	return nids, nil
}
