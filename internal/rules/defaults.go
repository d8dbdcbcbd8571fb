package rules

import (
	"time"

	"github.com/msageha/dronebatch/internal/model"
)

// DefaultVersion identifies the built-in drone table.
const DefaultVersion = "drone-v1"

func requires(src, tgt string) model.Rule {
	return model.Rule{Source: src, Target: tgt, Relation: model.RelationRequires}
}

func conflicts(a, b string) model.Rule {
	return model.Rule{Source: a, Target: b, Relation: model.RelationConflicts}
}

func enhances(a, b string) model.Rule {
	return model.Rule{Source: a, Target: b, Relation: model.RelationEnhances}
}

func num(name string, required bool) model.ParamSpec {
	return model.ParamSpec{Name: name, Kind: model.ParamNumber, Required: required}
}

func str(name string, required bool) model.ParamSpec {
	return model.ParamSpec{Name: name, Kind: model.ParamString, Required: required}
}

var defaultRules = []model.Rule{
	requires("takeoff", "connect"),
	requires("land", "takeoff"),
	requires("move", "takeoff"),
	requires("rotate", "takeoff"),
	requires("hover", "takeoff"),
	requires("flip", "takeoff"),
	requires("return_home", "takeoff"),
	requires("set_speed", "connect"),
	requires("take_photo", "connect"),
	requires("start_video", "connect"),
	requires("stop_video", "start_video"),
	requires("get_status", "connect"),
	requires("disconnect", "connect"),
	requires("disconnect", "land"),

	conflicts("takeoff", "land"),
	conflicts("takeoff", "takeoff"),
	conflicts("land", "land"),
	conflicts("move", "move"),
	conflicts("rotate", "rotate"),
	conflicts("move", "rotate"),
	conflicts("move", "land"),
	conflicts("rotate", "land"),
	conflicts("move", "hover"),
	conflicts("flip", "move"),
	conflicts("flip", "rotate"),
	conflicts("flip", "land"),
	conflicts("return_home", "move"),
	conflicts("return_home", "land"),
	conflicts("connect", "disconnect"),
	conflicts("emergency_stop", "takeoff"),
	conflicts("emergency_stop", "land"),
	conflicts("emergency_stop", "move"),
	conflicts("emergency_stop", "rotate"),
	conflicts("emergency_stop", "hover"),
	conflicts("emergency_stop", "flip"),
	conflicts("emergency_stop", "return_home"),

	enhances("take_photo", "hover"),
	enhances("start_video", "hover"),
	enhances("get_status", "connect"),
}

var defaultActions = map[string]ActionSpec{
	"connect":        {Cost: 2 * time.Second, Params: []model.ParamSpec{str("address", false), num("timeout", false)}},
	"disconnect":     {Cost: time.Second, Params: []model.ParamSpec{}},
	"takeoff":        {Cost: 5 * time.Second, Params: []model.ParamSpec{num("altitude", false)}},
	"land":           {Cost: 5 * time.Second, Params: []model.ParamSpec{}},
	"move":           {Cost: 3 * time.Second, Params: []model.ParamSpec{str("direction", true), num("distance", true), num("speed", false)}},
	"rotate":         {Cost: 2 * time.Second, Params: []model.ParamSpec{num("angle", true), str("direction", false)}},
	"hover":          {Cost: time.Second, Params: []model.ParamSpec{num("duration", false)}},
	"flip":           {Cost: 2 * time.Second, Params: []model.ParamSpec{str("direction", false)}},
	"return_home":    {Cost: 8 * time.Second, Params: []model.ParamSpec{num("altitude", false)}},
	"emergency_stop": {Cost: 500 * time.Millisecond, Params: []model.ParamSpec{}},
	"set_speed":      {Cost: 500 * time.Millisecond, Params: []model.ParamSpec{num("speed", true)}},
	"take_photo":     {Cost: time.Second, Params: []model.ParamSpec{str("resolution", false)}},
	"start_video":    {Cost: 500 * time.Millisecond, Params: []model.ParamSpec{str("resolution", false), num("fps", false)}},
	"stop_video":     {Cost: 500 * time.Millisecond, Params: []model.ParamSpec{}},
	"get_status":     {Cost: 500 * time.Millisecond, Params: []model.ParamSpec{}},
}

// Default returns the built-in drone rule table.
func Default() *Table {
	t, err := NewTable(DefaultVersion, defaultRules, defaultActions)
	if err != nil {
		panic("rules: built-in table is malformed: " + err.Error())
	}
	return t
}
