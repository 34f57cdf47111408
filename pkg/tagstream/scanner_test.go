package tagstream

import (
	"bytes"
	"context"
	"encoding/binary"
	"testing"
	"testing/iotest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// id3v23 builds an ID3v2.3 tag holding ISO-8859-1 text frames.
func id3v23(frames ...[2]string) []byte {
	var body bytes.Buffer
	for _, f := range frames {
		body.WriteString(f[0])
		size := make([]byte, 4)
		binary.BigEndian.PutUint32(size, uint32(len(f[1])+1))
		body.Write(size)
		body.Write([]byte{0, 0, 0})
		body.WriteString(f[1])
	}

	n := body.Len()
	header := []byte{'I', 'D', '3', 3, 0, 0,
		byte(n >> 21 & 0x7F), byte(n >> 14 & 0x7F), byte(n >> 7 & 0x7F), byte(n & 0x7F)}
	return append(header, body.Bytes()...)
}

func track(artist, title, album string) []byte {
	return id3v23(
		[2]string{"TPE1", artist},
		[2]string{"TIT2", title},
		[2]string{"TALB", album},
	)
}

func audio(n int) []byte {
	return bytes.Repeat([]byte{0xFF, 0xFB, 0x90, 0x64}, n)
}

func scanAll(t *testing.T, s *Scanner, stream []byte) []Tags {
	t.Helper()

	var got []Tags
	err := s.Scan(context.Background(), iotest.OneByteReader(bytes.NewReader(stream)), func(tags Tags) {
		got = append(got, tags)
	})
	require.NoError(t, err)
	return got
}

func TestScanFindsID3InStream(t *testing.T) {
	stream := bytes.Join([][]byte{
		audio(100),
		track("Boards of Canada", "Roygbiv", "Music Has the Right to Children"),
		audio(100),
	}, nil)

	got := scanAll(t, NewScanner("audio/mpeg", 0), stream)
	require.Len(t, got, 1)
	assert.Equal(t, "Boards of Canada", got[0].Artist)
	assert.Equal(t, "Roygbiv", got[0].Title)
	assert.Equal(t, "Music Has the Right to Children", got[0].Album)
	assert.Equal(t, "ID3v2.3", got[0].Format)
}

func TestScanReportsChangesInOrder(t *testing.T) {
	first := track("Artist A", "One", "Album")
	second := track("Artist B", "Two", "Album")

	stream := bytes.Join([][]byte{
		first, audio(50),
		first, audio(50),
		second, audio(50),
	}, nil)

	got := scanAll(t, NewScanner("", 0), stream)
	require.Len(t, got, 2)
	assert.Equal(t, "One", got[0].Title)
	assert.Equal(t, "Two", got[1].Title)
}

func TestScanSkipsOversizedTags(t *testing.T) {
	big := id3v23([2]string{"TIT2", string(bytes.Repeat([]byte("x"), 4096))})
	small := track("Small", "Fits", "")

	stream := bytes.Join([][]byte{big, audio(10), small}, nil)

	got := scanAll(t, NewScanner("audio/mpeg", 1024), stream)
	require.Len(t, got, 1)
	assert.Equal(t, "Fits", got[0].Title)
}

func TestScanIgnoresFalseMarkers(t *testing.T) {
	stream := bytes.Join([][]byte{
		[]byte("ID3\xFF\xFF\xFF\xFF\xFF\xFF\xFF"),
		audio(20),
		track("Real", "Tag", ""),
	}, nil)

	got := scanAll(t, NewScanner("audio/mpeg", 0), stream)
	require.Len(t, got, 1)
	assert.Equal(t, "Real", got[0].Artist)
}

func TestScanHonoursMimeType(t *testing.T) {
	stream := bytes.Join([][]byte{audio(10), track("A", "B", "C"), audio(10)}, nil)

	got := scanAll(t, NewScanner("audio/ogg", 0), stream)
	assert.Empty(t, got)
}

func TestMarkersFor(t *testing.T) {
	assert.Len(t, markersFor("audio/mpeg"), 1)
	assert.Len(t, markersFor("Audio/Ogg; codecs=vorbis"), 1)
	assert.Len(t, markersFor("audio/flac"), 1)
	assert.Len(t, markersFor("audio/aac"), 3)
	assert.Len(t, markersFor(""), 3)
}

func TestScanStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := NewScanner("", 0).Scan(ctx, bytes.NewReader(audio(10)), func(Tags) {})
	require.ErrorIs(t, err, context.Canceled)
}
