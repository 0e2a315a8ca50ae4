package job

import "testing"

func TestJobValidateSessionTargetPayloadCrossCheck(t *testing.T) {
	tests := []struct {
		name    string
		j       Job
		wantErr bool
	}{
		{
			name: "main with systemEvent ok",
			j: Job{
				Name:          "job",
				Schedule:      Schedule{Kind: ScheduleEvery, EveryMs: 60000},
				SessionTarget: SessionTargetMain,
				Payload:       Payload{Kind: PayloadSystemEvent, Text: "hi"},
			},
			wantErr: false,
		},
		{
			name: "isolated with agentTurn ok",
			j: Job{
				Name:          "job",
				Schedule:      Schedule{Kind: ScheduleEvery, EveryMs: 60000},
				SessionTarget: SessionTargetIsolated,
				Payload:       Payload{Kind: PayloadAgentTurn, Message: "do thing"},
			},
			wantErr: false,
		},
		{
			name: "main with agentTurn rejected",
			j: Job{
				Name:          "job",
				Schedule:      Schedule{Kind: ScheduleEvery, EveryMs: 60000},
				SessionTarget: SessionTargetMain,
				Payload:       Payload{Kind: PayloadAgentTurn, Message: "do thing"},
			},
			wantErr: true,
		},
		{
			name: "isolated with systemEvent rejected",
			j: Job{
				Name:          "job",
				Schedule:      Schedule{Kind: ScheduleEvery, EveryMs: 60000},
				SessionTarget: SessionTargetIsolated,
				Payload:       Payload{Kind: PayloadSystemEvent, Text: "hi"},
			},
			wantErr: true,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.j.Validate(1000)
			if (err != nil) != tc.wantErr {
				t.Fatalf("Validate() error = %v, wantErr %v", err, tc.wantErr)
			}
		})
	}
}

func TestSessionKey(t *testing.T) {
	main := Job{AgentID: "agent1", SessionTarget: SessionTargetMain}
	if got := main.SessionKey(); got != "agent:agent1:main" {
		t.Fatalf("main SessionKey = %q", got)
	}

	iso := Job{ID: "job1", AgentID: "agent1", SessionTarget: SessionTargetIsolated}
	if got := iso.SessionKey(); got != "agent:agent1:cron:job1" {
		t.Fatalf("isolated SessionKey = %q", got)
	}

	if got := MainSessionKey(""); got != "agent:default:main" {
		t.Fatalf("MainSessionKey(\"\") = %q", got)
	}
}

func TestPayloadShouldDeliver(t *testing.T) {
	yes, no := true, false
	tests := []struct {
		name string
		p    Payload
		want bool
	}{
		{"no to, no deliver", Payload{}, false},
		{"no to, deliver true", Payload{Deliver: &yes}, true},
		{"to set, deliver nil defaults true", Payload{To: "x"}, true},
		{"to set, deliver explicit false", Payload{To: "x", Deliver: &no}, false},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := tc.p.ShouldDeliver(); got != tc.want {
				t.Fatalf("ShouldDeliver() = %v, want %v", got, tc.want)
			}
		})
	}
}

func TestScheduleValidate(t *testing.T) {
	tests := []struct {
		name    string
		s       Schedule
		wantErr bool
	}{
		{"at zero rejected", Schedule{Kind: ScheduleAt}, true},
		{"at positive ok", Schedule{Kind: ScheduleAt, AtMs: 1000}, false},
		{"every below minimum rejected", Schedule{Kind: ScheduleEvery, EveryMs: 10}, true},
		{"every ok", Schedule{Kind: ScheduleEvery, EveryMs: 60000}, false},
		{"cron empty expr rejected", Schedule{Kind: ScheduleCron}, true},
		{"cron ok", Schedule{Kind: ScheduleCron, Expr: "0 * * * *"}, false},
		{"cron bad timezone rejected", Schedule{Kind: ScheduleCron, Expr: "0 * * * *", Tz: "Not/AZone"}, true},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.s.Validate(1000)
			if (err != nil) != tc.wantErr {
				t.Fatalf("Validate() error = %v, wantErr %v", err, tc.wantErr)
			}
		})
	}
}
