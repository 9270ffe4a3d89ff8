package skills

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func echoSkill(name string) Skill {
	return Skill{
		Name:        name,
		Description: "echo",
		Params: []Param{
			{Name: "text", Type: "string", Required: true},
			{Name: "count", Type: "integer"},
			{Name: "ratio", Type: "number"},
			{Name: "loud", Type: "boolean"},
		},
		Handler: func(ctx context.Context, args map[string]interface{}) (string, error) {
			return args["text"].(string), nil
		},
	}
}

func TestRegistry_Register(t *testing.T) {
	t.Run("should reject bad names", func(t *testing.T) {
		r := NewRegistry()
		for _, name := range []string{"read", "Files.read", "files.Read", "files-read", "files.read.all", ".read", "1x.y"} {
			s := echoSkill(name)
			assert.Error(t, r.Register(s), name)
		}
	})

	t.Run("should reject duplicates and undeclared context params", func(t *testing.T) {
		r := NewRegistry()
		require.NoError(t, r.Register(echoSkill("echo.say")))
		assert.Error(t, r.Register(echoSkill("echo.say")))

		s := echoSkill("echo.other")
		s.ContextParam = "conversation_id"
		assert.Error(t, r.Register(s))
	})

	t.Run("should refuse registration after freeze", func(t *testing.T) {
		r := NewRegistry()
		r.Freeze()
		assert.ErrorIs(t, r.Register(echoSkill("echo.say")), ErrFrozen)
	})

	t.Run("should default category and expose schema", func(t *testing.T) {
		r := NewRegistry()
		require.NoError(t, r.Register(echoSkill("echo.say")))

		s, err := r.Lookup("echo.say")
		require.NoError(t, err)
		assert.Equal(t, CategoryGeneral, s.Category)
		assert.Equal(t, []string{"text"}, s.Schema()["required"])
		assert.Equal(t, []string{"text", "count", "ratio", "loud"}, s.ParamNames())
	})
}

func TestRegistry_Lookup(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(echoSkill("echo.say")))
	require.NoError(t, r.Register(echoSkill("alpha.one")))

	_, err := r.Lookup("nope.missing")
	assert.ErrorIs(t, err, ErrNotFound)

	list := r.List()
	require.Len(t, list, 2)
	assert.Equal(t, "alpha.one", list[0].Name)
}

func TestRegistry_Validate(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(echoSkill("echo.say")))

	t.Run("should coerce string scalars", func(t *testing.T) {
		in := map[string]interface{}{"text": "hi", "count": "3", "ratio": "0.5", "loud": "true"}
		out, err := r.Validate("echo.say", in)
		require.NoError(t, err)
		assert.Equal(t, int64(3), out["count"])
		assert.Equal(t, 0.5, out["ratio"])
		assert.Equal(t, true, out["loud"])
		// input untouched
		assert.Equal(t, "3", in["count"])
	})

	t.Run("should coerce numbers to strings", func(t *testing.T) {
		out, err := r.Validate("echo.say", map[string]interface{}{"text": float64(42)})
		require.NoError(t, err)
		assert.Equal(t, "42", out["text"])
	})

	t.Run("should reject unconvertible values", func(t *testing.T) {
		_, err := r.Validate("echo.say", map[string]interface{}{"text": "hi", "count": "three"})
		var verr *ValidationError
		require.True(t, errors.As(err, &verr))
		assert.Equal(t, "echo.say", verr.Skill)
	})

	t.Run("should reject missing required and unknown args", func(t *testing.T) {
		_, err := r.Validate("echo.say", map[string]interface{}{})
		assert.Error(t, err)

		_, err = r.Validate("echo.say", map[string]interface{}{"text": "hi", "bogus": 1})
		assert.Error(t, err)
	})

	t.Run("should reject fractional integers", func(t *testing.T) {
		_, err := r.Validate("echo.say", map[string]interface{}{"text": "hi", "count": 1.5})
		assert.Error(t, err)
	})

	t.Run("should report unknown skill", func(t *testing.T) {
		_, err := r.Validate("echo.none", nil)
		assert.ErrorIs(t, err, ErrNotFound)
	})
}

func TestSkill_Execute(t *testing.T) {
	t.Run("should recover panics", func(t *testing.T) {
		s := Skill{Name: "boom.now", Handler: func(ctx context.Context, args map[string]interface{}) (string, error) {
			panic("kaboom")
		}}
		_, err := s.Execute(context.Background(), nil)
		var perr *PanicError
		require.True(t, errors.As(err, &perr))
		assert.Equal(t, "kaboom", perr.Value)
		assert.NotEmpty(t, perr.Stack)
	})

	t.Run("should pass through errors", func(t *testing.T) {
		want := errors.New("nope")
		s := Skill{Name: "fail.now", Handler: func(ctx context.Context, args map[string]interface{}) (string, error) {
			return "", want
		}}
		_, err := s.Execute(context.Background(), nil)
		assert.ErrorIs(t, err, want)
	})
}

func TestPolicy(t *testing.T) {
	var nilPolicy *Policy
	assert.True(t, nilPolicy.IsAllowed("files.read"))

	p := &Policy{Allow: []string{"files.*", "clock.now"}, Deny: []string{"files.delete"}}
	assert.True(t, p.IsAllowed("files.read"))
	assert.True(t, p.IsAllowed("clock.now"))
	assert.False(t, p.IsAllowed("files.delete"))
	assert.False(t, p.IsAllowed("browser.open"))
	assert.False(t, p.IsAllowed("filesx.read"))

	all := &Policy{Allow: []string{"*"}, Deny: []string{"browser.*"}}
	assert.True(t, all.IsAllowed("notes.append"))
	assert.False(t, all.IsAllowed("browser.open"))

	assert.False(t, (&Policy{}).IsAllowed("files.read"))
}

func TestCategories(t *testing.T) {
	assert.True(t, IsValidCategory("UI"))
	assert.False(t, IsValidCategory("shell"))
	assert.Equal(t, []Category{CategoryUI, CategoryWrite}, ParseCategories([]string{"ui", "bogus", "Write"}))
	assert.True(t, ContainsCategory([]Category{CategoryUI}, CategoryUI))
}

func TestTruncate(t *testing.T) {
	out, cut := Truncate("hello", 10)
	assert.False(t, cut)
	assert.Equal(t, "hello", out)

	out, cut = Truncate("héllo world", 2)
	assert.True(t, cut)
	assert.Equal(t, "h\n... [output truncated]", out)

	out, cut = Truncate("abc", 0)
	assert.False(t, cut)
	assert.Equal(t, "abc", out)

	assert.Equal(t, "a b…", Preview("a\nbcdef", 3))
}
