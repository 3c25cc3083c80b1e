package model_test

import (
	"testing"

	model "github.com/okian/rankd/internal/domain/model"
	"github.com/smartystreets/goconvey/convey"
)

func TestEntryOrdering(t *testing.T) {
	convey.Convey("Given two entries", t, func() {
		a := model.Entry{ID: 1, Score: 100}
		b := model.Entry{ID: 2, Score: 50}

		convey.Convey("Then the higher score orders first", func() {
			convey.So(a.Before(b), convey.ShouldBeTrue)
			convey.So(b.Before(a), convey.ShouldBeFalse)
		})

		convey.Convey("When scores tie", func() {
			b.Score = 100

			convey.Convey("Then the larger id orders first", func() {
				convey.So(b.Before(a), convey.ShouldBeTrue)
				convey.So(a.Before(b), convey.ShouldBeFalse)
			})
		})
	})
}

func TestFilter(t *testing.T) {
	convey.Convey("Given filters", t, func() {
		active := model.Entry{Mode: "ironman"}
		removed := model.Entry{Mode: "normal", Removed: true}

		convey.Convey("Then the default filter keeps non-removed entries in any mode", func() {
			f := model.Filter{}
			convey.So(f.Match(active), convey.ShouldBeTrue)
			convey.So(f.Match(removed), convey.ShouldBeFalse)
		})

		convey.Convey("Then a mode filter keeps only that partition", func() {
			f := model.Filter{Mode: "normal", Removed: model.All}
			convey.So(f.Match(active), convey.ShouldBeFalse)
			convey.So(f.Match(removed), convey.ShouldBeTrue)
		})

		convey.Convey("Then the removed filter keeps only removed entries", func() {
			f := model.Filter{Mode: model.ModeAll, Removed: model.Removed}
			convey.So(f.Match(active), convey.ShouldBeFalse)
			convey.So(f.Match(removed), convey.ShouldBeTrue)
		})
	})

	convey.Convey("Given removed filter strings", t, func() {
		for in, want := range map[string]model.RemovedFilter{
			"": model.NotRemoved, "not_removed": model.NotRemoved, "Removed": model.Removed, "all": model.All,
		} {
			got, err := model.ParseRemovedFilter(in)
			convey.So(err, convey.ShouldBeNil)
			convey.So(got, convey.ShouldEqual, want)
		}
		_, err := model.ParseRemovedFilter("gone")
		convey.So(err, convey.ShouldNotBeNil)
	})
}
