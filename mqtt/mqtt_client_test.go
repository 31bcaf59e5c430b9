package mqtt

import "testing"

func TestTopicMatches(t *testing.T) {
	cases := []struct {
		filter string
		topic  string
		want   bool
	}{
		{"sonar/hall/measure", "sonar/hall/measure", true},
		{"sonar/hall/measure", "sonar/hall/range", false},
		{"sonar/+/measure", "sonar/hall/measure", true},
		{"sonar/+/measure", "sonar/hall/deep/measure", false},
		{"sonar/#", "sonar/hall/measure", true},
		{"sonar/#", "other/hall/measure", false},
		{"sonar/hall", "sonar/hall/measure", false},
		{"sonar/hall/measure", "sonar/hall", false},
	}

	for _, c := range cases {
		got := topicMatches(c.filter, c.topic)
		if got != c.want {
			t.Errorf("topicMatches(%q, %q) = %v, want %v", c.filter, c.topic, got, c.want)
		}
	}
}

func TestNewMqttClient(t *testing.T) {
	mc, err := NewMqttClient("mqtt://localhost:1883", "sonarkit-test")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if mc == nil {
		t.Fatal("client is nil")
	}
	if len(mc.config.BrokerUrls) != 1 {
		t.Errorf("expected 1 broker url, got %d", len(mc.config.BrokerUrls))
	}

	err = mc.Publish("sonar/test", []byte("1"))
	if err == nil {
		t.Error("expected error publishing before connect")
	}
}
