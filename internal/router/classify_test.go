package router

import (
	"testing"

	"github.com/ipa-dump/ipa-dump-go/internal/domain"
	"github.com/stretchr/testify/assert"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want domain.Message
	}{
		{
			name: "script error",
			raw:  `{"type":"error","description":"ReferenceError: x is not defined","stack":"at dump.js:10"}`,
			want: domain.Message{Kind: domain.MessageError, Description: "ReferenceError: x is not defined", Stack: "at dump.js:10"},
		},
		{
			name: "error wins over payload",
			raw:  `{"type":"error","description":"boom","payload":{"dump":"/tmp/a","path":"/X/Foo.app/a"}}`,
			want: domain.Message{Kind: domain.MessageError, Description: "boom"},
		},
		{
			name: "missing payload",
			raw:  `{"type":"send"}`,
			want: domain.Message{Kind: domain.MessageIgnore},
		},
		{
			name: "empty object payload",
			raw:  `{"type":"send","payload":{}}`,
			want: domain.Message{Kind: domain.MessageIgnore},
		},
		{
			name: "empty string payload",
			raw:  `{"type":"send","payload":""}`,
			want: domain.Message{Kind: domain.MessageIgnore},
		},
		{
			name: "log",
			raw:  `{"type":"send","payload":{"type":"log","payload":"dumping Foo"}}`,
			want: domain.Message{Kind: domain.MessageLog, Text: "dumping Foo"},
		},
		{
			name: "log without text",
			raw:  `{"type":"send","payload":{"type":"log"}}`,
			want: domain.Message{Kind: domain.MessageLog},
		},
		{
			name: "log wins over dump",
			raw:  `{"type":"send","payload":{"type":"log","payload":"x","dump":"/tmp/a"}}`,
			want: domain.Message{Kind: domain.MessageLog, Text: "x"},
		},
		{
			name: "dump file",
			raw:  `{"type":"send","payload":{"dump":"/tmp/Foo.fid","path":"/var/containers/Bundle/Application/U/Foo.app/Foo"}}`,
			want: domain.Message{Kind: domain.MessageDumpFile, RemotePath: "/tmp/Foo.fid", OriginalPath: "/var/containers/Bundle/Application/U/Foo.app/Foo"},
		},
		{
			name: "dump wins over app",
			raw:  `{"type":"send","payload":{"dump":"/tmp/a","path":"/X/Foo.app/a","app":"/X/Foo.app"}}`,
			want: domain.Message{Kind: domain.MessageDumpFile, RemotePath: "/tmp/a", OriginalPath: "/X/Foo.app/a"},
		},
		{
			name: "app bundle",
			raw:  `{"type":"send","payload":{"app":"/var/containers/Bundle/Application/U/Foo.app"}}`,
			want: domain.Message{Kind: domain.MessageAppBundle, RemotePath: "/var/containers/Bundle/Application/U/Foo.app"},
		},
		{
			name: "app wins over done",
			raw:  `{"type":"send","payload":{"app":"/X/Foo.app","done":"ok"}}`,
			want: domain.Message{Kind: domain.MessageAppBundle, RemotePath: "/X/Foo.app"},
		},
		{
			name: "done",
			raw:  `{"type":"send","payload":{"done":"ok"}}`,
			want: domain.Message{Kind: domain.MessageDone},
		},
		{
			name: "bare done string",
			raw:  `{"type":"send","payload":"done"}`,
			want: domain.Message{Kind: domain.MessageDone},
		},
		{
			name: "unknown keys",
			raw:  `{"type":"send","payload":{"hello":"world"}}`,
			want: domain.Message{Kind: domain.MessageIgnore},
		},
		{
			name: "other string payload",
			raw:  `{"type":"send","payload":"hello"}`,
			want: domain.Message{Kind: domain.MessageIgnore, Text: "hello"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Classify([]byte(tt.raw)))
		})
	}
}

func TestClassify_MalformedJSON(t *testing.T) {
	msg := Classify([]byte(`{not json`))
	assert.Equal(t, domain.MessageIgnore, msg.Kind)
	assert.Contains(t, msg.Text, "malformed message")
}

// BenchmarkClassify 测试消息分类的开销
func BenchmarkClassify(b *testing.B) {
	messages := [][]byte{
		[]byte(`{"type":"send","payload":{"dump":"/var/mobile/Documents/Foo.fid","path":"/var/containers/Bundle/Application/U/Foo.app/Foo"}}`),
		[]byte(`{"type":"send","payload":{"type":"log","payload":"dumping module Foo"}}`),
		[]byte(`{"type":"error","description":"ReferenceError","stack":"at dump.js:10"}`),
		[]byte(`{"type":"send","payload":{"done":"ok"}}`),
	}

	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		Classify(messages[i%len(messages)])
	}
}
