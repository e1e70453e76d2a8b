package scroll

import (
	"testing"

	"github.com/stretchr/testify/require"

	"go-chatsync/internal/convstate"
	"go-chatsync/internal/models"
)

func msg(id string, createdAt int64) models.Message {
	return models.Message{ID: id, ConversationID: "c1", CreatedAt: createdAt, UpdatedAt: createdAt}
}

func TestInitialAnchor(t *testing.T) {
	tests := []struct {
		name string
		conv convstate.Conversation
		want Anchor
	}{
		{
			name: "no unread anchors bottom",
			conv: convstate.Conversation{Messages: []models.Message{msg("a", 100)}},
			want: Anchor{Position: PositionEnd},
		},
		{
			name: "unread separator inside window",
			conv: convstate.Conversation{
				Messages:    []models.Message{msg("a", 100), msg("b", 200), msg("c", 300)},
				UnreadCount: 2,
				LastReadAt:  100,
			},
			want: Anchor{MessageID: "b", Position: PositionStart},
		},
		{
			name: "unread but separator older than window",
			conv: convstate.Conversation{
				Messages:     []models.Message{msg("b", 200), msg("c", 300)},
				UnreadCount:  5,
				LastReadAt:   0, // 已读游标未知，分隔线不可解析
				HasMoreOlder: true,
			},
			want: Anchor{Position: PositionStart},
		},
		{
			name: "empty window anchors bottom",
			conv: convstate.Conversation{UnreadCount: 3},
			want: Anchor{Position: PositionEnd},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.Equal(t, tt.want, Initial(tt.conv))
		})
	}
}

func TestAfterFetchOlderIncrementalAnchorsOldestNew(t *testing.T) {
	// 已有 [t1,t2,t3]，增量载入 3 条更老的消息：锚在新增中最老的一条、停靠起始端
	merged := []models.Message{msg("o1", 10), msg("o2", 20), msg("o3", 30), msg("a", 100), msg("b", 200), msg("c", 300)}
	prev := map[string]bool{"a": true, "b": true, "c": true}

	got := AfterFetch(models.DirectionOlder, false, merged, prev)
	require.Equal(t, Anchor{MessageID: "o1", Position: PositionStart}, got)
}

func TestAfterFetchOlderReplaceAnchorsNewestAtEnd(t *testing.T) {
	merged := []models.Message{msg("a", 100), msg("b", 200)}
	got := AfterFetch(models.DirectionOlder, true, merged, nil)
	require.Equal(t, Anchor{MessageID: "b", Position: PositionEnd}, got)
}

func TestAfterFetchNewerAnchorsNewest(t *testing.T) {
	merged := []models.Message{msg("a", 100), msg("b", 200), msg("n", 400)}
	got := AfterFetch(models.DirectionNewer, false, merged, map[string]bool{"a": true, "b": true})
	require.Equal(t, Anchor{MessageID: "n", Position: PositionEnd}, got)
}

func TestControllerDefersUntilMessagePresent(t *testing.T) {
	store := convstate.NewStore()
	store.Ensure("c1")
	ctl := NewController(store)

	ctl.SetTarget("c1", Anchor{MessageID: "pending", Position: PositionStart})
	_, ok := ctl.Current("c1")
	require.False(t, ok, "must not resolve before the message arrives")

	store.Replace("c1", &models.FetchResult{Messages: []models.Message{msg("pending", 100)}})
	a, ok := ctl.Current("c1")
	require.True(t, ok)
	require.Equal(t, "pending", a.MessageID)
}

func TestControllerPlainTopBottomResolveImmediately(t *testing.T) {
	ctl := NewController(convstate.NewStore())
	ctl.SetTarget("c1", Anchor{Position: PositionEnd})
	a, ok := ctl.Current("c1")
	require.True(t, ok)
	require.Equal(t, Anchor{Position: PositionEnd}, a)
}
