package vision

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/futvision/klinewatch/internal/model"
)

const listPage1 = `<?xml version="1.0" encoding="UTF-8"?>
<ListBucketResult xmlns="http://s3.amazonaws.com/doc/2006-03-01/">
  <Name>data.binance.vision</Name>
  <Prefix>data/futures/um/daily/klines/NEWUSDT/1m/</Prefix>
  <KeyCount>2</KeyCount>
  <MaxKeys>2</MaxKeys>
  <IsTruncated>true</IsTruncated>
  <NextContinuationToken>page-2</NextContinuationToken>
  <Contents>
    <Key>data/futures/um/daily/klines/NEWUSDT/1m/NEWUSDT-1m-2024-05-29.zip</Key>
    <LastModified>2024-05-30T03:00:00.000Z</LastModified>
    <Size>40000</Size>
    <StorageClass>STANDARD</StorageClass>
  </Contents>
  <Contents>
    <Key>data/futures/um/daily/klines/NEWUSDT/1m/NEWUSDT-1m-2024-05-29.zip.CHECKSUM</Key>
    <LastModified>2024-05-30T03:00:00.000Z</LastModified>
    <Size>64</Size>
    <StorageClass>STANDARD</StorageClass>
  </Contents>
</ListBucketResult>`

const listPage2 = `<?xml version="1.0" encoding="UTF-8"?>
<ListBucketResult xmlns="http://s3.amazonaws.com/doc/2006-03-01/">
  <Name>data.binance.vision</Name>
  <Prefix>data/futures/um/daily/klines/NEWUSDT/1m/</Prefix>
  <KeyCount>2</KeyCount>
  <MaxKeys>2</MaxKeys>
  <IsTruncated>false</IsTruncated>
  <Contents>
    <Key>data/futures/um/daily/klines/NEWUSDT/1m/NEWUSDT-1m-2024-05-30.zip</Key>
    <LastModified>2024-05-31T03:00:00.000Z</LastModified>
    <Size>41000</Size>
    <StorageClass>STANDARD</StorageClass>
  </Contents>
  <Contents>
    <Key>data/futures/um/daily/klines/NEWUSDT/1m/NEWUSDT-1m-2024-05-28.zip</Key>
    <LastModified>2024-05-29T03:00:00.000Z</LastModified>
    <Size>39000</Size>
    <StorageClass>STANDARD</StorageClass>
  </Contents>
</ListBucketResult>`

const emptyList = `<?xml version="1.0" encoding="UTF-8"?>
<ListBucketResult xmlns="http://s3.amazonaws.com/doc/2006-03-01/">
  <Name>data.binance.vision</Name>
  <Prefix>data/futures/um/daily/klines/FRESHUSDT/1m/</Prefix>
  <KeyCount>0</KeyCount>
  <MaxKeys>1000</MaxKeys>
  <IsTruncated>false</IsTruncated>
</ListBucketResult>`

func newTestLister(t *testing.T, handler http.Handler) *Lister {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	l, err := NewLister(context.Background(), ListerConfig{Endpoint: srv.URL})
	require.NoError(t, err)
	return l
}

func TestListDailyPaginatesAndSorts(t *testing.T) {
	var prefixes []string
	l := newTestLister(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		prefixes = append(prefixes, r.URL.Query().Get("prefix"))
		w.Header().Set("Content-Type", "application/xml")
		if r.URL.Query().Get("continuation-token") == "page-2" {
			fmt.Fprint(w, listPage2)
			return
		}
		fmt.Fprint(w, listPage1)
	}))

	entries, err := l.ListDaily(context.Background(), "NEWUSDT")
	require.NoError(t, err)

	// Two pages requested, same prefix.
	require.Len(t, prefixes, 2)
	assert.Equal(t, "data/futures/um/daily/klines/NEWUSDT/1m/", prefixes[0])

	// Checksum companion skipped; dates ascending across page boundaries.
	require.Len(t, entries, 3)
	assert.Equal(t, "2024-05-28", entries[0].Day.String())
	assert.Equal(t, "2024-05-29", entries[1].Day.String())
	assert.Equal(t, "2024-05-30", entries[2].Day.String())
	assert.EqualValues(t, 39000, entries[0].SizeBytes)
	assert.Equal(t, "2024-05-29T03:00:00Z", entries[0].LastModified.Format("2006-01-02T15:04:05Z"))
}

func TestListDailyEmptyPrefix(t *testing.T) {
	l := newTestLister(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/xml")
		fmt.Fprint(w, emptyList)
	}))

	entries, err := l.ListDaily(context.Background(), "FRESHUSDT")
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestListDailySurfacesListingFailure(t *testing.T) {
	l := newTestLister(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))

	_, err := l.ListDaily(context.Background(), "NEWUSDT")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to list prefix")
}

func TestDayFromKey(t *testing.T) {
	d, ok := dayFromKey("BTCUSDT", "data/futures/um/daily/klines/BTCUSDT/1m/BTCUSDT-1m-2024-06-01.zip")
	require.True(t, ok)
	assert.Equal(t, model.NewDay(2024, 6, 1), d)

	_, ok = dayFromKey("BTCUSDT", "data/futures/um/daily/klines/BTCUSDT/1m/BTCUSDT-1m-2024-06-01.zip.CHECKSUM")
	assert.False(t, ok)
	_, ok = dayFromKey("BTCUSDT", "data/futures/um/daily/klines/BTCUSDT/1m/ETHUSDT-1m-2024-06-01.zip")
	assert.False(t, ok)
	_, ok = dayFromKey("BTCUSDT", "data/futures/um/daily/klines/BTCUSDT/1m/BTCUSDT-1m-garbage.zip")
	assert.False(t, ok)
}
