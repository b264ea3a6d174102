package jt808

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func square() PolygonArea {
	return PolygonArea{
		AreaID: 1,
		Vertices: []Vertex{
			{LatitudeE6: 0, LongitudeE6: 0},
			{LatitudeE6: 0, LongitudeE6: 10_000_000},
			{LatitudeE6: 10_000_000, LongitudeE6: 10_000_000},
			{LatitudeE6: 10_000_000, LongitudeE6: 0},
		},
	}
}

func TestPolygonArea_ContainsInterior(t *testing.T) {
	t.Parallel()
	require.True(t, square().Contains(5_000_000, 5_000_000))
}

func TestPolygonArea_ContainsExterior(t *testing.T) {
	t.Parallel()
	require.False(t, square().Contains(20_000_000, 20_000_000))
}

func TestPolygonArea_DegenerateHasNoInterior(t *testing.T) {
	t.Parallel()
	p := PolygonArea{Vertices: []Vertex{{LatitudeE6: 0, LongitudeE6: 0}, {LatitudeE6: 1, LongitudeE6: 1}}}
	require.False(t, p.Contains(0, 0))
}

func TestPolygonAreaStore_AddUniqueRejectsDuplicate(t *testing.T) {
	t.Parallel()

	store := NewPolygonAreaStore()
	require.NoError(t, store.AddUnique(square()))
	require.ErrorIs(t, store.AddUnique(square()), ErrAreaAlreadyExists)
}

func TestPolygonAreaStore_DeleteMissingFails(t *testing.T) {
	t.Parallel()

	store := NewPolygonAreaStore()
	require.ErrorIs(t, store.Delete(99), ErrAreaNotFound)
}

func TestPolygonAreaStore_DeleteListEmptyDeletesAll(t *testing.T) {
	t.Parallel()

	store := NewPolygonAreaStore()
	store.Upsert(square())
	second := square()
	second.AreaID = 2
	store.Upsert(second)
	require.Len(t, store.All(), 2)

	store.DeleteList(nil)
	require.Empty(t, store.All())
}

func TestPolygonAreaStore_DeleteListSpecificIDs(t *testing.T) {
	t.Parallel()

	store := NewPolygonAreaStore()
	store.Upsert(square())
	second := square()
	second.AreaID = 2
	store.Upsert(second)

	store.DeleteList([]uint32{1})
	_, ok := store.Get(1)
	require.False(t, ok)
	_, ok = store.Get(2)
	require.True(t, ok)
}

func TestTerminalSession_GeofenceEntryAndExitAlarm(t *testing.T) {
	t.Parallel()

	area := square()
	area.Attribute.InAlarmToServer = true
	area.Attribute.OutAlarmToServer = true

	session := NewTerminalSession(TerminalConfig{PhoneNumber: "13523339527"})
	session.Params.Areas.Upsert(area)

	// Outside the area: no alarm.
	session.UpdateLocation(LocationBasicInfo{LatitudeE6: 20_000_000, LongitudeE6: 20_000_000})
	require.Zero(t, session.Params.Location.Alarm&AlarmInOutArea)
	require.Empty(t, session.Params.Extensions[ExtAccessAreaAlarm])

	// Enter the area: alarm bit set, extension carries direction "in".
	session.UpdateLocation(LocationBasicInfo{LatitudeE6: 5_000_000, LongitudeE6: 5_000_000})
	require.NotZero(t, session.Params.Location.Alarm&AlarmInOutArea)
	inBody := session.Params.Extensions[ExtAccessAreaAlarm]
	require.Equal(t, AccessAreaAlarmBody(AccessAreaPolygon, area.AreaID, func() *uint8 { d := AccessAreaDirectionIn; return &d }()), inBody)

	// Simulate the report going out and its alarm bit being acked/cleared.
	session.Params.ClearExtension(ExtAccessAreaAlarm)
	session.ClearAlarmBits(AlarmInOutArea)

	// Still inside: no repeat alarm.
	session.UpdateLocation(LocationBasicInfo{LatitudeE6: 5_500_000, LongitudeE6: 5_500_000})
	require.Zero(t, session.Params.Location.Alarm&AlarmInOutArea)
	require.Empty(t, session.Params.Extensions[ExtAccessAreaAlarm])

	// Leave the area: alarm bit set again, extension carries direction "out".
	session.UpdateLocation(LocationBasicInfo{LatitudeE6: 20_000_000, LongitudeE6: 20_000_000})
	require.NotZero(t, session.Params.Location.Alarm&AlarmInOutArea)
	outBody := session.Params.Extensions[ExtAccessAreaAlarm]
	require.Equal(t, AccessAreaAlarmBody(AccessAreaPolygon, area.AreaID, func() *uint8 { d := AccessAreaDirectionOut; return &d }()), outBody)
}
