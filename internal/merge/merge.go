// Package merge 提供消息集合的纯合并函数与游标合成规则。
// 该层没有任何 I/O，是整个同步引擎的正确性核心。
package merge

import (
	"sort"

	"go-chatsync/internal/models"
)

// Merge 将 incoming 并入 existing，返回按 (createdAt, id) 升序、按 id 去重的新切片。
// 冲突解决规则（last-write-wins，按编辑时间而非到达顺序）：
// - id 不存在：插入
// - id 已存在：仅当 incoming.UpdatedAt 严格大于现存的 UpdatedAt 才替换
// REST 应答与实时推送到达顺序不可控，该规则保证旧版本编辑永远不会覆盖新版本。
// 输入切片不会被修改。
func Merge(existing, incoming []models.Message) []models.Message {
	byID := make(map[string]models.Message, len(existing)+len(incoming))
	for _, m := range existing {
		byID[m.ID] = m
	}
	for _, m := range incoming {
		if m.ID == "" {
			continue
		}
		prev, ok := byID[m.ID]
		if !ok || m.UpdatedAt > prev.UpdatedAt {
			byID[m.ID] = m
		}
	}
	out := make([]models.Message, 0, len(byID))
	for _, m := range byID {
		out = append(out, m)
	}
	sortMessages(out)
	return out
}

// ApplyDelete 无条件移除指定 id（last-delete-wins；删除不参与时间戳竞争）。
// 已知风险：迟到的 create 推送可能让已删除消息“复活”，与服务端行为保持一致。
func ApplyDelete(existing []models.Message, messageID string) []models.Message {
	out := make([]models.Message, 0, len(existing))
	for _, m := range existing {
		if m.ID == messageID {
			continue
		}
		out = append(out, m)
	}
	return out
}

func sortMessages(ms []models.Message) {
	sort.Slice(ms, func(i, j int) bool {
		if ms[i].CreatedAt != ms[j].CreatedAt {
			return ms[i].CreatedAt < ms[j].CreatedAt
		}
		return ms[i].ID < ms[j].ID
	})
}
