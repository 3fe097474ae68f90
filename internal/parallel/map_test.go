package parallel_test

import (
	"context"
	"errors"
	"iter"
	"testing"
	"testing/synctest"
	"time"

	"github.com/CZERTAINLY/alrj/internal/parallel"
	"github.com/stretchr/testify/require"
)

func TestMap(t *testing.T) {
	t.Parallel()

	sleep := func(_ context.Context, d time.Duration) (int, error) {
		time.Sleep(d)
		return int(d / time.Second), nil
	}
	input := []time.Duration{1 * time.Second, 2 * time.Second, 5 * time.Second, 10 * time.Second}

	var testCases = []struct {
		scenario string
		limit    int
		then     time.Duration
	}{
		{"limit 1", 1, 18 * time.Second},
		{"limit 2", 2, 12 * time.Second},
		{"limit 10", 10, 10 * time.Second},
	}

	for _, tt := range testCases {
		t.Run(tt.scenario, func(t *testing.T) {
			t.Parallel()
			synctest.Test(t, func(t *testing.T) {
				start := time.Now()
				got, errs := collect(parallel.Map(t.Context(), tt.limit, all(input), sleep))
				require.Empty(t, errs)
				require.ElementsMatch(t, []int{1, 2, 5, 10}, got)
				require.Equal(t, tt.then, time.Since(start))
			})
		})
	}
}

func TestMapErrors(t *testing.T) {
	t.Parallel()
	inputErr := errors.New("unreadable")
	mapErr := errors.New("odd")

	seq := func(yield func(int, error) bool) {
		for i := range 5 {
			if !yield(i, nil) {
				return
			}
		}
		yield(0, inputErr)
	}
	even := func(_ context.Context, i int) (int, error) {
		if i%2 == 1 {
			return 0, mapErr
		}
		return i, nil
	}

	got, errs := collect(parallel.Map(t.Context(), 3, seq, even))
	require.ElementsMatch(t, []int{0, 2, 4}, got)
	require.Len(t, errs, 3)
	require.ErrorIs(t, errors.Join(errs...), inputErr)
	require.ErrorIs(t, errors.Join(errs...), mapErr)
}

func TestMapBreak(t *testing.T) {
	t.Parallel()
	synctest.Test(t, func(t *testing.T) {
		identity := func(ctx context.Context, i int) (int, error) {
			select {
			case <-time.After(time.Duration(i) * time.Second):
			case <-ctx.Done():
			}
			return i, nil
		}
		for v := range parallel.Map(t.Context(), 2, all([]int{1, 100, 200, 300}), identity) {
			require.Equal(t, 1, v)
			break
		}
		// every worker has to finish before synctest.Test returns
		synctest.Wait()
	})
}

func all[T any](s []T) iter.Seq2[T, error] {
	return func(yield func(T, error) bool) {
		for _, x := range s {
			if !yield(x, nil) {
				return
			}
		}
	}
}

func collect[T any](i iter.Seq2[T, error]) ([]T, []error) {
	var ret []T
	var errs []error
	for v, err := range i {
		if err != nil {
			errs = append(errs, err)
			continue
		}
		ret = append(ret, v)
	}
	return ret, errs
}
