package liquidator_test

import (
	"context"
	"errors"
	"testing"

	"github.com/alejandrodnm/liquidator/internal/application/liquidator"
	"github.com/alejandrodnm/liquidator/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestChecker_Check(t *testing.T) {
	market := newMockMarket()
	market.set(account(1), true)
	market.failCheck(account(2), errors.New("rpc down"))
	c := liquidator.NewChecker(market, 0)

	ok, err := c.Check(context.Background(), account(1))
	require.NoError(t, err)
	assert.True(t, ok)

	_, err = c.Check(context.Background(), account(2))
	require.Error(t, err)
	assert.Equal(t, domain.KindTransientNetwork, domain.KindOf(err))
}

func TestChecker_CheckAll_IsolatesFailures(t *testing.T) {
	market := newMockMarket()
	accounts := make([]domain.Account, 0, 50)
	for i := 1; i <= 50; i++ {
		a := account(i)
		accounts = append(accounts, a)
		market.set(a, i%2 == 0)
	}
	market.failCheck(account(7), errors.New("timeout"))
	c := liquidator.NewChecker(market, 4)

	results := c.CheckAll(context.Background(), accounts)

	require.Len(t, results, 50)
	liquidatable, failed := 0, 0
	for i, r := range results {
		assert.Equal(t, accounts[i], r.Account, "results keep input order")
		if r.Err != nil {
			failed++
			continue
		}
		if r.Liquidatable {
			liquidatable++
		}
	}
	assert.Equal(t, 1, failed)
	assert.Equal(t, 25, liquidatable)
}

func TestChecker_CheckAll_Empty(t *testing.T) {
	c := liquidator.NewChecker(newMockMarket(), 0)
	assert.Empty(t, c.CheckAll(context.Background(), nil))
}
