package leaderboard_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/okian/rankd/internal/domain/leaderboard"
	. "github.com/smartystreets/goconvey/convey"
)

type recordingWriter struct {
	got []leaderboard.Definition
	err error
}

func (w *recordingWriter) EnsureLeaderboards(_ context.Context, defs []leaderboard.Definition) error {
	w.got = defs
	return w.err
}

func TestRegistry(t *testing.T) {
	Convey("Given the default catalogue", t, func() {
		reg, err := leaderboard.NewRegistry(leaderboard.DefaultCatalogue()...)
		So(err, ShouldBeNil)

		Convey("Then definitions are reachable by slug", func() {
			d, ok := reg.Get("experience")
			So(ok, ShouldBeTrue)
			So(d.Delta, ShouldBeTrue)
			So(d.HasInterval(leaderboard.Weekly), ShouldBeTrue)

			_, ok = reg.Get("nope")
			So(ok, ShouldBeFalse)
		})

		Convey("Then All is sorted by slug and detached", func() {
			all := reg.All()
			So(len(all), ShouldEqual, reg.Len())
			for i := 1; i < len(all); i++ {
				So(all[i-1].Slug < all[i].Slug, ShouldBeTrue)
			}
			all[0].Slug = "mutated"
			So(reg.All()[0].Slug, ShouldNotEqual, "mutated")
		})

		Convey("Then SyncCatalogue writes every definition", func() {
			w := &recordingWriter{}
			So(leaderboard.SyncCatalogue(context.Background(), reg, w), ShouldBeNil)
			So(len(w.got), ShouldEqual, reg.Len())

			w.err = errors.New("db down")
			So(leaderboard.SyncCatalogue(context.Background(), reg, w), ShouldNotBeNil)
		})
	})

	Convey("Given invalid catalogues", t, func() {
		valid := leaderboard.Definition{
			Slug: "a", Scope: leaderboard.ScopeMember, Kind: leaderboard.KindInt,
			Intervals: []leaderboard.Interval{leaderboard.Current},
		}

		Convey("Then duplicate slugs are rejected", func() {
			_, err := leaderboard.NewRegistry(valid, valid)
			So(errors.Is(err, leaderboard.ErrDuplicateSlug), ShouldBeTrue)
		})

		Convey("Then definitions without intervals are rejected", func() {
			bad := valid
			bad.Intervals = nil
			_, err := leaderboard.NewRegistry(bad)
			So(errors.Is(err, leaderboard.ErrInvalidDefinition), ShouldBeTrue)
		})

		Convey("Then slugs with key separators are rejected", func() {
			bad := valid
			bad.Slug = "a:b"
			_, err := leaderboard.NewRegistry(bad)
			So(errors.Is(err, leaderboard.ErrInvalidDefinition), ShouldBeTrue)
		})
	})
}

func TestParse(t *testing.T) {
	Convey("Given textual definitions", t, func() {
		d, err := leaderboard.Parse("wheat", "", "member", []string{"current", "weekly"}, 10, "int", true)
		So(err, ShouldBeNil)
		So(d.Title, ShouldEqual, "wheat")
		So(d.Intervals, ShouldResemble, []leaderboard.Interval{leaderboard.Current, leaderboard.Weekly})
		So(d.Qualifies(10), ShouldBeTrue)
		So(d.Qualifies(9.9), ShouldBeFalse)

		_, err = leaderboard.Parse("wheat", "", "guild", []string{"current"}, 0, "", false)
		So(err, ShouldNotBeNil)
		_, err = leaderboard.Parse("wheat", "", "member", []string{"yearly"}, 0, "", false)
		So(err, ShouldNotBeNil)
	})
}

func TestIdentifier(t *testing.T) {
	Convey("Given interval identifiers", t, func() {
		Convey("Then weeks use the ISO year and a two digit week", func() {
			So(leaderboard.Identifier(leaderboard.Weekly, time.Date(2024, 1, 31, 12, 0, 0, 0, time.UTC)), ShouldEqual, "2024-W05")
			So(leaderboard.Identifier(leaderboard.Weekly, time.Date(2021, 1, 3, 12, 0, 0, 0, time.UTC)), ShouldEqual, "2020-W53")
		})

		Convey("Then months use a two digit month", func() {
			So(leaderboard.Identifier(leaderboard.Monthly, time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)), ShouldEqual, "2024-05")
		})

		Convey("Then current has no identifier", func() {
			So(leaderboard.Identifier(leaderboard.Current, time.Now()), ShouldEqual, "")
		})
	})
}
