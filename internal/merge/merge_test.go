package merge

import (
	"testing"

	"github.com/stretchr/testify/require"

	"go-chatsync/internal/models"
)

func msg(id string, createdAt, updatedAt int64, content string) models.Message {
	return models.Message{
		ID:             id,
		ConversationID: "c1",
		AuthorID:       "u1",
		Content:        content,
		CreatedAt:      createdAt,
		UpdatedAt:      updatedAt,
	}
}

func ids(ms []models.Message) []string {
	out := make([]string, 0, len(ms))
	for _, m := range ms {
		out = append(out, m.ID)
	}
	return out
}

func TestMergeInsertAndSort(t *testing.T) {
	existing := []models.Message{msg("b", 200, 200, "two")}
	incoming := []models.Message{msg("c", 300, 300, "three"), msg("a", 100, 100, "one")}

	got := Merge(existing, incoming)
	require.Equal(t, []string{"a", "b", "c"}, ids(got))
}

func TestMergeLastWriteWins(t *testing.T) {
	t1, t2 := int64(1000), int64(2000)

	tests := []struct {
		name        string
		existing    []models.Message
		incoming    []models.Message
		wantContent string
	}{
		{
			name:        "newer edit replaces",
			existing:    []models.Message{msg("a", 100, t1, "old")},
			incoming:    []models.Message{msg("a", 100, t2, "new")},
			wantContent: "new",
		},
		{
			name:        "stale edit arriving late is ignored",
			existing:    []models.Message{msg("a", 100, t2, "new")},
			incoming:    []models.Message{msg("a", 100, t1, "old")},
			wantContent: "new",
		},
		{
			name:        "equal updatedAt keeps existing",
			existing:    []models.Message{msg("a", 100, t1, "first")},
			incoming:    []models.Message{msg("a", 100, t1, "second")},
			wantContent: "first",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Merge(tt.existing, tt.incoming)
			require.Len(t, got, 1)
			require.Equal(t, tt.wantContent, got[0].Content)
		})
	}
}

func TestMergeIdempotent(t *testing.T) {
	a := []models.Message{msg("a", 100, 100, "a"), msg("b", 200, 250, "b")}
	b := []models.Message{msg("b", 200, 300, "b2"), msg("c", 150, 150, "c")}

	once := Merge(a, b)
	twice := Merge(once, b)
	require.Equal(t, once, twice)
}

func TestMergeNoDuplicateIDs(t *testing.T) {
	a := []models.Message{msg("a", 100, 100, "a"), msg("b", 200, 200, "b")}
	b := []models.Message{msg("a", 100, 120, "a2"), msg("a", 100, 110, "a1"), msg("b", 200, 200, "b")}

	got := Merge(a, b)
	seen := map[string]bool{}
	for _, m := range got {
		require.False(t, seen[m.ID], "duplicate id %s", m.ID)
		seen[m.ID] = true
	}
	require.Len(t, got, 2)
	require.Equal(t, "a2", got[0].Content)
}

func TestMergeTieBreakByID(t *testing.T) {
	got := Merge(nil, []models.Message{msg("z", 100, 100, ""), msg("a", 100, 100, "")})
	require.Equal(t, []string{"a", "z"}, ids(got))
}

func TestMergeDoesNotMutateInputs(t *testing.T) {
	existing := []models.Message{msg("a", 100, 100, "orig")}
	incoming := []models.Message{msg("a", 100, 200, "edited")}
	_ = Merge(existing, incoming)
	require.Equal(t, "orig", existing[0].Content)
}

func TestApplyDelete(t *testing.T) {
	set := []models.Message{msg("a", 100, 100, ""), msg("b", 200, 200, ""), msg("c", 300, 300, "")}

	got := ApplyDelete(set, "b")
	require.Equal(t, []string{"a", "c"}, ids(got))

	// 不存在的 id 为无操作
	got = ApplyDelete(got, "zzz")
	require.Equal(t, []string{"a", "c"}, ids(got))
}
