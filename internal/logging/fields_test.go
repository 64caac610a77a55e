package logging

import "testing"

func TestRequestFieldsExtendSiteFields(t *testing.T) {
	fields := RequestFields("deep-blue", "book.deepblue.local", "cache-first", "dcms-v3", "cache", true)
	if fields["site"] != "deep-blue" || fields["cache_version"] != "dcms-v3" {
		t.Fatalf("站点字段缺失: %v", fields)
	}
	if fields["source"] != "cache" || fields["cache_hit"] != true {
		t.Fatalf("请求字段缺失: %v", fields)
	}
}
