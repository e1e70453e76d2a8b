package merge

// Pick 表示游标合成时取小端还是大端。
type Pick int

const (
	PickMin Pick = iota
	PickMax
)

// Combine 合成两次拉取得到的分页边界。
// 0 表示“尚未建立”，而不是“没有更多”（后者由 FetchResult 的 HasMore* 显式携带）：
// - 任一端为 0 时结果取非 0 的一端
// - 两端都有值时按 pick 取 min/max
// older 方向用 PickMin 扩张下边界，newer 方向用 PickMax 扩张上边界；
// around 拉取是全新窗口，边界直接替换而不调用本函数。
func Combine(prev, next int64, pick Pick) int64 {
	if prev == 0 {
		return next
	}
	if next == 0 {
		return prev
	}
	if pick == PickMin {
		if next < prev {
			return next
		}
		return prev
	}
	if next > prev {
		return next
	}
	return prev
}
