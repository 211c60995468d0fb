package catalog

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memLoader struct{ raw Raw }

func (m memLoader) Load(context.Context) (Raw, error) { return m.raw, nil }
func (m memLoader) Save(context.Context, Raw) error   { return nil }

func fixtureRaw() Raw {
	return Raw{
		Questions: []Question{
			{ID: "q1", Kind: KindColor, MediaID: "m1", Active: true},
			{ID: "q2", Kind: KindCharacter, MediaID: "m2", Active: true},
		},
		Options: []QuestionOption{
			{ID: "o1", QuestionID: "q1", Text: "red", IsCorrect: true},
			{ID: "o2", QuestionID: "q1", Text: "Blue", IsCorrect: false},
			{ID: "o3", QuestionID: "q1", Text: "green", IsCorrect: false},

			{ID: "o4", QuestionID: "q2", Text: "Mario", IsCorrect: true},
			{ID: "o5", QuestionID: "q2", Text: "Luigi", IsCorrect: false},
			{ID: "o6", QuestionID: "q2", Text: "Peach", IsCorrect: false},
			{ID: "o7", QuestionID: "q2", Text: "Bowser", IsCorrect: false},
			{ID: "o8", QuestionID: "q2", Text: "Yoshi", IsCorrect: false},
			{ID: "o9", QuestionID: "q2", Text: "Toad", IsCorrect: false},
		},
		Sets: []QuestionSet{
			{ID: "s1", Name: "All", QuestionIDs: []string{"q1", "q2"}},
		},
	}
}

func TestLoadAndLookup(t *testing.T) {
	c := New(memLoader{raw: fixtureRaw()})
	require.NoError(t, c.Load(context.Background()))

	snap := c.Pin()

	q, err := snap.LookupQuestion("q1")
	require.NoError(t, err)
	assert.Equal(t, KindColor, q.Kind)

	_, err = snap.LookupQuestion("missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestCharacterQuestionInvariant(t *testing.T) {
	raw := fixtureRaw()
	// Drop two options from q2 so it no longer has exactly 6.
	raw.Options = raw.Options[:len(raw.Options)-2]

	c := New(memLoader{raw: raw})
	err := c.Load(context.Background())
	require.Error(t, err)
}

func TestSampleAlternativesColorNormalization(t *testing.T) {
	c := New(memLoader{raw: fixtureRaw()})
	require.NoError(t, c.Load(context.Background()))
	snap := c.Pin()

	alts, err := snap.SampleAlternatives("q1", 6)
	require.NoError(t, err)
	assert.Len(t, alts, 3)

	containsCorrect := false
	for _, a := range alts {
		if a == "Red" {
			containsCorrect = true
		}
		assert.Contains(t, Colors, a)
	}
	assert.True(t, containsCorrect)
}

func TestSampleAlternativesCharacterFillFromOtherQuestion(t *testing.T) {
	raw := fixtureRaw()
	raw.Questions = append(raw.Questions, Question{ID: "q3", Kind: KindCharacter, MediaID: "m3", Active: true})
	raw.Options = append(raw.Options,
		QuestionOption{ID: "o10", QuestionID: "q3", Text: "Zelda", IsCorrect: true},
		QuestionOption{ID: "o11", QuestionID: "q3", Text: "Link", IsCorrect: false},
		QuestionOption{ID: "o12", QuestionID: "q3", Text: "Ganon", IsCorrect: false},
		QuestionOption{ID: "o13", QuestionID: "q3", Text: "Impa", IsCorrect: false},
		QuestionOption{ID: "o14", QuestionID: "q3", Text: "Midna", IsCorrect: false},
		QuestionOption{ID: "o15", QuestionID: "q3", Text: "Navi", IsCorrect: false},
	)

	c := New(memLoader{raw: raw})
	require.NoError(t, c.Load(context.Background()))
	snap := c.Pin()

	alts, err := snap.SampleAlternatives("q2", 8)
	require.NoError(t, err)
	assert.Len(t, alts, 8)
}

func TestShuffleQuestionIDsPermutes(t *testing.T) {
	ids := []string{"a", "b", "c", "d", "e", "f", "g", "h"}
	shuffled, err := ShuffleQuestionIDs(ids)
	require.NoError(t, err)
	assert.ElementsMatch(t, ids, shuffled)
}

func TestListSets(t *testing.T) {
	c := New(memLoader{raw: fixtureRaw()})
	require.NoError(t, c.Load(context.Background()))

	sets := c.ListSets()
	require.Len(t, sets, 1)
	assert.Equal(t, "s1", sets[0].ID)
	assert.Equal(t, 2, sets[0].QuestionCount)
}

func TestPinIsolatesFromReload(t *testing.T) {
	c := New(memLoader{raw: fixtureRaw()})
	require.NoError(t, c.Load(context.Background()))

	pinned := c.Pin()

	reloaded := fixtureRaw()
	reloaded.Sets = nil
	c.loader = memLoader{raw: reloaded}
	require.NoError(t, c.Reload(context.Background()))

	// The reloaded catalog has no sets, but the previously pinned snapshot
	// still resolves q1 and still sees set s1.
	_, err := pinned.LookupQuestion("q1")
	require.NoError(t, err)
	assert.Empty(t, c.ListSets())
	_, err = pinned.SetQuestionIDs("s1")
	require.NoError(t, err)
}
