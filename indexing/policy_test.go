package indexing

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/drpcorg/sklad/docs"
)

func TestFairPolicy_MostBehindFirst(t *testing.T) {
	works := []IndexWork{
		{Name: "c", LastIndexed: docs.MakeEtag(0, 5)},
		{Name: "a", LastIndexed: docs.MakeEtag(0, 1)},
		{Name: "b", LastIndexed: docs.MakeEtag(0, 3)},
	}

	due := FairPolicy{MaxPerCycle: 2}.FilterDue(works)
	assert.Len(t, due, 2)
	assert.Equal(t, "a", due[0].Name)
	assert.Equal(t, "b", due[1].Name)
	assert.Equal(t, "c", works[0].Name, "input order untouched")
}

func TestFairPolicy_Unbounded(t *testing.T) {
	works := []IndexWork{
		{Name: "b", LastIndexed: docs.MakeEtag(0, 2)},
		{Name: "a", LastIndexed: docs.MakeEtag(0, 1)},
	}

	due := FairPolicy{}.FilterDue(works)
	assert.Len(t, due, 2)
	assert.Equal(t, "a", due[0].Name)
}
