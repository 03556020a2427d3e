package state

import (
	"context"
	"strings"
	"testing"

	"github.com/sapphirehost/sapphire/internal/tools"
)

func storyPreset() *Preset {
	return &Preset{
		Name: "story",
		InitialState: map[string]InitialEntry{
			"scene": {Value: 1, Label: "Scene", Constraints: &Constraints{Min: floatPtr(1), Max: floatPtr(5)}},
		},
		ProgressivePrompt: &PromptConfig{
			Base:     "A mystery in an old manor.",
			Iterator: "scene",
			Mode:     "cumulative",
			Segments: map[string]string{
				"1":          "You arrive at the manor gates.",
				"2":          "The butler leads you inside.",
				"2?suspects": "You already have suspects in mind.",
				"3":          "The study door stands ajar.",
			},
		},
		Choices: []Choice{
			{ID: "C1", Prompt: "Which door do you take?", Options: []string{"a", "b"}, StateKey: "door", RequiredForScene: 3},
		},
		Riddles: []Riddle{
			{ID: "R1", Type: "fixed", Answer: "42", MaxAttempts: 3,
				SuccessSets: map[string]any{"vault_open": true},
				LockoutSets: map[string]any{"alarm": true}},
		},
	}
}

func loadStory(t *testing.T, e *Engine, chat string) {
	t.Helper()
	e.RegisterPreset(storyPreset())
	if err := e.LoadPreset(chat, "story", 0); err != nil {
		t.Fatalf("LoadPreset() error = %v", err)
	}
}

func TestChoice_BlocksSceneAdvance(t *testing.T) {
	e := newTestEngine(t)
	loadStory(t, e, "default")

	msg, ok := e.SetState("default", "scene", 3, ActorAI, 2, "advance")
	if ok {
		t.Fatal("scene advance accepted with pending required choice")
	}
	if !strings.Contains(msg, "C1") {
		t.Errorf("refusal does not name the choice: %q", msg)
	}
	if got := numericState(t, e, "default", "scene"); got != 1 {
		t.Errorf("scene = %v after refused advance, want 1", got)
	}

	// Scenes before the gate remain reachable.
	mustSet(t, e, "default", "scene", 2, ActorAI, 2)
}

func TestChoice_ResolveThenAdvance(t *testing.T) {
	e := newTestEngine(t)
	loadStory(t, e, "default")

	if msg, ok := e.MakeChoice("default", "C1", "nope", 1, ""); ok {
		t.Errorf("invalid option accepted: %s", msg)
	}
	msg, ok := e.MakeChoice("default", "C1", "A", 1, "")
	if !ok {
		t.Fatalf("MakeChoice() refused: %s", msg)
	}
	if v, _ := e.GetState("default", "door"); v != "a" {
		t.Errorf("door = %v, want a", v)
	}
	if msg, ok := e.MakeChoice("default", "C1", "b", 2, ""); ok {
		t.Errorf("re-resolving a choice accepted: %s", msg)
	}

	mustSet(t, e, "default", "scene", 3, ActorAI, 2)
	if len(e.PendingChoices("default")) != 0 {
		t.Error("choice still pending after resolution")
	}
}

func TestChoice_SetStateDelegates(t *testing.T) {
	e := newTestEngine(t)
	loadStory(t, e, "default")

	// An AI set_state on the choice's key routes through choice validation.
	if _, ok := e.SetState("default", "door", "c", ActorAI, 1, ""); ok {
		t.Error("invalid option accepted through set_state")
	}
	msg, ok := e.SetState("default", "door", "b", ActorAI, 1, "")
	if !ok {
		t.Fatalf("set_state on choice key refused: %s", msg)
	}
	if !strings.Contains(msg, "C1") {
		t.Errorf("resolution message = %q", msg)
	}
}

func TestRiddle_LockoutAfterMaxAttempts(t *testing.T) {
	e := newTestEngine(t)
	loadStory(t, e, "default")

	for i := 0; i < 3; i++ {
		msg, ok := e.AttemptRiddle("default", "R1", "000", i+1)
		if ok {
			t.Fatalf("wrong answer accepted on attempt %d", i+1)
		}
		if !strings.Contains(msg, "attempts remaining") {
			t.Errorf("attempt %d message = %q", i+1, msg)
		}
	}

	msg, ok := e.AttemptRiddle("default", "R1", "000", 4)
	if ok {
		t.Fatal("attempt after lockout accepted")
	}
	if !strings.Contains(msg, "locked") {
		t.Errorf("lockout message = %q", msg)
	}
	if locked, _ := e.GetState("default", "_riddle_R1_locked"); locked != true {
		t.Errorf("_riddle_R1_locked = %v, want true", locked)
	}
	if alarm, _ := e.GetState("default", "alarm"); alarm != true {
		t.Errorf("lockout set not applied: alarm = %v", alarm)
	}
}

func TestRiddle_SuccessAppliesSets(t *testing.T) {
	e := newTestEngine(t)
	loadStory(t, e, "default")

	msg, ok := e.AttemptRiddle("default", "R1", " 42 ", 1)
	if !ok {
		t.Fatalf("correct answer refused: %s", msg)
	}
	if solved, _ := e.GetState("default", "_riddle_R1_solved"); solved != true {
		t.Error("_riddle_R1_solved not set")
	}
	if open, _ := e.GetState("default", "vault_open"); open != true {
		t.Error("success set not applied")
	}
	if _, ok := e.AttemptRiddle("default", "R1", "42", 2); ok {
		t.Error("attempt on a solved riddle accepted")
	}
}

func TestRiddle_AnswerNeverStoredInPlaintext(t *testing.T) {
	e := newTestEngine(t)
	loadStory(t, e, "default")

	hash, ok := e.GetState("default", "_riddle_R1_hash")
	if !ok {
		t.Fatal("riddle hash not seeded")
	}
	if hash == "42" {
		t.Error("plaintext answer stored")
	}
	if s, _ := hash.(string); len(s) != 64 {
		t.Errorf("hash = %v, want 64 hex chars", hash)
	}
}

func TestRiddle_DerivedAnswersAreDeterministic(t *testing.T) {
	numeric := &Riddle{ID: "R2", Type: "numeric", Digits: 4}
	a := deriveAnswer("default", numeric)
	b := deriveAnswer("default", numeric)
	if a != b {
		t.Errorf("numeric answer not deterministic: %q vs %q", a, b)
	}
	if len(a) != 4 {
		t.Errorf("numeric answer %q, want 4 digits", a)
	}
	if other := deriveAnswer("another_chat", numeric); other == a {
		t.Error("answers identical across chats")
	}

	word := &Riddle{ID: "R3", Type: "word", Wordlist: []string{"raven", "lantern", "key"}}
	w := deriveAnswer("default", word)
	found := false
	for _, candidate := range word.Wordlist {
		if w == candidate {
			found = true
		}
	}
	if !found {
		t.Errorf("word answer %q not from the wordlist", w)
	}
}

func roomsPreset() *Preset {
	return &Preset{
		Name: "dungeon",
		InitialState: map[string]InitialEntry{
			"position": {Value: "cell"},
		},
		Navigation: &Navigation{
			PositionKey: "position",
			Connections: map[string]map[string]string{
				"cell": {"north": "hall"},
				"hall": {"south": "cell", "up": "tower"},
			},
			RoomNames: map[string]string{"hall": "Great Hall"},
		},
	}
}

func TestNavigation_MoveAndAliases(t *testing.T) {
	e := newTestEngine(t)
	e.RegisterPreset(roomsPreset())
	if err := e.LoadPreset("default", "dungeon", 0); err != nil {
		t.Fatal(err)
	}

	msg, ok := e.Move("default", "n", 1, "")
	if !ok {
		t.Fatalf("Move(n) refused: %s", msg)
	}
	if pos, _ := e.GetState("default", "position"); pos != "hall" {
		t.Errorf("position = %v, want hall", pos)
	}
	if !strings.Contains(msg, "Great Hall") {
		t.Errorf("move message = %q", msg)
	}

	// Unknown directions fail with the exits and never move.
	msg, ok = e.Move("default", "west", 2, "")
	if ok {
		t.Fatal("invalid direction accepted")
	}
	if !strings.Contains(msg, "Exits:") {
		t.Errorf("refusal message = %q", msg)
	}
	if pos, _ := e.GetState("default", "position"); pos != "hall" {
		t.Errorf("position changed by refused move: %v", pos)
	}
}

func TestNavigation_FogOfWar(t *testing.T) {
	e := newTestEngine(t)
	e.RegisterPreset(roomsPreset())
	if err := e.LoadPreset("default", "dungeon", 0); err != nil {
		t.Fatal(err)
	}

	exits, ok := e.Exits("default")
	if !ok {
		t.Fatal("Exits() unavailable")
	}
	if !strings.Contains(exits, "north → ???") {
		t.Errorf("unvisited room not masked: %q", exits)
	}

	if _, ok := e.Move("default", "north", 1, ""); !ok {
		t.Fatal("Move(north) refused")
	}
	if _, ok := e.Move("default", "s", 2, ""); !ok {
		t.Fatal("Move(s) refused")
	}
	exits, _ = e.Exits("default")
	if !strings.Contains(exits, "north → Great Hall") {
		t.Errorf("visited room still masked: %q", exits)
	}
}

func TestPrompt_CumulativeAssembly(t *testing.T) {
	e := newTestEngine(t)
	loadStory(t, e, "default")

	prompt := e.BuildPrompt("default", 1)
	if !strings.Contains(prompt, "manor gates") {
		t.Errorf("scene 1 segment missing:\n%s", prompt)
	}
	if strings.Contains(prompt, "butler") || strings.Contains(prompt, "study door") {
		t.Errorf("later segments leaked at scene 1:\n%s", prompt)
	}
	if !strings.Contains(prompt, "C1") {
		t.Errorf("pending choice missing from prompt:\n%s", prompt)
	}
	if !strings.Contains(prompt, "R1") {
		t.Errorf("unsolved riddle missing from prompt:\n%s", prompt)
	}

	mustSet(t, e, "default", "scene", 2, ActorAI, 2)
	prompt = e.BuildPrompt("default", 3)
	if !strings.Contains(prompt, "manor gates") || !strings.Contains(prompt, "butler") {
		t.Errorf("cumulative mode did not stack segments:\n%s", prompt)
	}
	// The conditional variant stays out until its condition holds.
	if strings.Contains(prompt, "suspects in mind") {
		t.Errorf("conditional segment leaked:\n%s", prompt)
	}
	mustSet(t, e, "default", "suspects", true, ActorAI, 3)
	prompt = e.BuildPrompt("default", 4)
	if !strings.Contains(prompt, "suspects in mind") {
		t.Errorf("conditional segment missing once its condition holds:\n%s", prompt)
	}
}

func TestPrompt_CurrentOnlyMode(t *testing.T) {
	e := newTestEngine(t)
	preset := storyPreset()
	preset.Name = "strict"
	preset.ProgressivePrompt.Mode = "current_only"
	preset.Choices = nil
	preset.Riddles = nil
	e.RegisterPreset(preset)
	if err := e.LoadPreset("default", "strict", 0); err != nil {
		t.Fatal(err)
	}

	mustSet(t, e, "default", "scene", 2, ActorAI, 1)
	prompt := e.BuildPrompt("default", 2)
	if strings.Contains(prompt, "manor gates") {
		t.Errorf("current_only mode included earlier segments:\n%s", prompt)
	}
	if !strings.Contains(prompt, "butler") {
		t.Errorf("current segment missing:\n%s", prompt)
	}
}

func TestPrompt_SceneTurnsCondition(t *testing.T) {
	e := newTestEngine(t)
	e.RegisterPreset(&Preset{
		Name: "patience",
		InitialState: map[string]InitialEntry{
			"scene": {Value: 1},
		},
		ProgressivePrompt: &PromptConfig{
			Iterator: "scene",
			Mode:     "cumulative",
			Segments: map[string]string{
				"1":                "The room is quiet.",
				"1?scene_turns>=3": "You have waited long enough; something stirs.",
			},
		},
	})
	if err := e.LoadPreset("default", "patience", 0); err != nil {
		t.Fatal(err)
	}

	if prompt := e.BuildPrompt("default", 1); strings.Contains(prompt, "something stirs") {
		t.Errorf("scene_turns segment shown too early:\n%s", prompt)
	}
	if prompt := e.BuildPrompt("default", 3); !strings.Contains(prompt, "something stirs") {
		t.Errorf("scene_turns segment missing at threshold:\n%s", prompt)
	}
}

func TestTools_DescriptorsFollowPreset(t *testing.T) {
	e := newTestEngine(t)

	names := func(list []tools.Descriptor) map[string]bool {
		out := map[string]bool{}
		for _, d := range list {
			out[d.Name] = true
		}
		return out
	}

	base := names(e.Tools("default"))
	for _, want := range []string{ToolGetState, ToolSetState, ToolRollDice, ToolIncrementCounter} {
		if !base[want] {
			t.Errorf("core tool %s missing without a preset", want)
		}
	}
	if base[ToolMove] || base[ToolMakeChoice] || base[ToolAttemptRiddle] {
		t.Error("feature tools exposed without a preset")
	}

	loadStory(t, e, "default")
	withStory := names(e.Tools("default"))
	if !withStory[ToolMakeChoice] || !withStory[ToolAttemptRiddle] {
		t.Error("choice/riddle tools missing with the story preset")
	}
	if withStory[ToolMove] {
		t.Error("move exposed without navigation")
	}

	e.RegisterPreset(roomsPreset())
	if err := e.LoadPreset("maze", "dungeon", 0); err != nil {
		t.Fatal(err)
	}
	if !names(e.Tools("maze"))[ToolMove] {
		t.Error("move missing with navigation configured")
	}
}

func TestTools_RollDice(t *testing.T) {
	e := newTestEngine(t, WithRandInt(func(n int) int { return n - 1 }))
	msg, ok := e.ExecuteTool(context.Background(), "default", ToolRollDice,
		tools.Args{"count": float64(2), "sides": float64(6)}, 1)
	if !ok {
		t.Fatalf("roll_dice refused: %s", msg)
	}
	if msg != "Rolled 2d6: 6, 6 (total 12)" {
		t.Errorf("roll message = %q", msg)
	}
	if last, ok := e.GetState("default", KeyLastRoll); !ok || last != msg {
		t.Errorf("_last_roll = %v", last)
	}

	if _, ok := e.ExecuteTool(context.Background(), "default", ToolRollDice,
		tools.Args{"count": float64(0), "sides": float64(6)}, 1); ok {
		t.Error("count 0 accepted")
	}
	if _, ok := e.ExecuteTool(context.Background(), "default", ToolRollDice,
		tools.Args{"count": float64(1), "sides": float64(101)}, 1); ok {
		t.Error("sides 101 accepted")
	}
}

func TestTools_IncrementCounterClamps(t *testing.T) {
	e := newTestEngine(t)
	e.RegisterPreset(&Preset{
		Name: "hp",
		InitialState: map[string]InitialEntry{
			"health": {Value: 8, Constraints: &Constraints{Min: floatPtr(0), Max: floatPtr(10)}},
		},
	})
	if err := e.LoadPreset("default", "hp", 0); err != nil {
		t.Fatal(err)
	}

	msg, ok := e.ExecuteTool(context.Background(), "default", ToolIncrementCounter,
		tools.Args{"key": "health", "amount": float64(5)}, 1)
	if !ok {
		t.Fatalf("increment refused: %s", msg)
	}
	if !strings.Contains(msg, "clamped") {
		t.Errorf("clamping not reported: %q", msg)
	}
	if got := numericState(t, e, "default", "health"); got != 10 {
		t.Errorf("health = %v, want 10", got)
	}

	// Default amount is 1.
	if _, ok := e.ExecuteTool(context.Background(), "default", ToolIncrementCounter,
		tools.Args{"key": "health", "amount": float64(-3)}, 2); !ok {
		t.Fatal("negative increment refused")
	}
	if got := numericState(t, e, "default", "health"); got != 7 {
		t.Errorf("health = %v, want 7", got)
	}
}

func TestTools_GetStateListsVisible(t *testing.T) {
	e := newTestEngine(t)
	mustSet(t, e, "default", "mood", "calm", ActorAI, 1)

	msg, ok := e.ExecuteTool(context.Background(), "default", ToolGetState, tools.Args{}, 1)
	if !ok {
		t.Fatalf("get_state refused: %s", msg)
	}
	if !strings.Contains(msg, "mood = calm") {
		t.Errorf("listing = %q", msg)
	}

	msg, ok = e.ExecuteTool(context.Background(), "default", ToolGetState, tools.Args{"key": "missing"}, 1)
	if ok {
		t.Fatal("unknown key read succeeded")
	}
	if !strings.Contains(msg, "mood") {
		t.Errorf("not-found message does not list known keys: %q", msg)
	}
}
