package persistence

import (
	"context"
	"database/sql"
	"fmt"

	"meshlink/internal/domain"
)

type NodeRepo struct {
	db *sql.DB
}

func NewNodeRepo(db *sql.DB) *NodeRepo {
	return &NodeRepo{db: db}
}

func (r *NodeRepo) Upsert(ctx context.Context, n domain.Node) error {
	var (
		latitude     any
		longitude    any
		altitude     any
		batteryLevel any
		voltage      any
		channelUtil  any
		airUtilTx    any
		snr          any
	)
	if n.Latitude != nil {
		latitude = *n.Latitude
	}
	if n.Longitude != nil {
		longitude = *n.Longitude
	}
	if n.Altitude != nil {
		altitude = int64(*n.Altitude)
	}
	if n.BatteryLevel != nil {
		batteryLevel = int64(*n.BatteryLevel)
	}
	if n.Voltage != nil {
		voltage = *n.Voltage
	}
	if n.ChannelUtil != nil {
		channelUtil = *n.ChannelUtil
	}
	if n.AirUtilTx != nil {
		airUtilTx = *n.AirUtilTx
	}
	if n.SNR != nil {
		snr = *n.SNR
	}

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO nodes(node_num, node_id, long_name, short_name, latitude, longitude, altitude, battery_level, voltage, channel_util, air_util_tx, snr, last_heard_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(node_num) DO UPDATE SET
			node_id = excluded.node_id,
			long_name = CASE WHEN excluded.long_name <> '' THEN excluded.long_name ELSE nodes.long_name END,
			short_name = CASE WHEN excluded.short_name <> '' THEN excluded.short_name ELSE nodes.short_name END,
			latitude = COALESCE(excluded.latitude, nodes.latitude),
			longitude = COALESCE(excluded.longitude, nodes.longitude),
			altitude = COALESCE(excluded.altitude, nodes.altitude),
			battery_level = COALESCE(excluded.battery_level, nodes.battery_level),
			voltage = COALESCE(excluded.voltage, nodes.voltage),
			channel_util = COALESCE(excluded.channel_util, nodes.channel_util),
			air_util_tx = COALESCE(excluded.air_util_tx, nodes.air_util_tx),
			snr = COALESCE(excluded.snr, nodes.snr),
			last_heard_at = MAX(excluded.last_heard_at, nodes.last_heard_at),
			updated_at = excluded.updated_at
	`, int64(n.NodeNum), n.NodeID, n.LongName, n.ShortName, latitude, longitude, altitude, batteryLevel, voltage, channelUtil, airUtilTx, snr, toUnixMillis(n.LastHeardAt), toUnixMillis(n.UpdatedAt))
	if err != nil {
		return fmt.Errorf("upsert node: %w", err)
	}

	return nil
}

func (r *NodeRepo) ListSortedByLastHeard(ctx context.Context) ([]domain.Node, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT node_num, node_id, long_name, short_name, latitude, longitude, altitude, battery_level, voltage, channel_util, air_util_tx, snr, last_heard_at, updated_at
		FROM nodes
		ORDER BY last_heard_at DESC
	`)
	if err != nil {
		return nil, fmt.Errorf("list nodes: %w", err)
	}
	defer func() {
		_ = rows.Close()
	}()

	var out []domain.Node
	for rows.Next() {
		var (
			n           domain.Node
			nodeNum     int64
			heardMs     int64
			updMs       int64
			latitude    sql.NullFloat64
			longitude   sql.NullFloat64
			altitude    sql.NullInt64
			battery     sql.NullInt64
			voltage     sql.NullFloat64
			channelUtil sql.NullFloat64
			airUtilTx   sql.NullFloat64
			snr         sql.NullFloat64
		)
		if err := rows.Scan(&nodeNum, &n.NodeID, &n.LongName, &n.ShortName, &latitude, &longitude, &altitude, &battery, &voltage, &channelUtil, &airUtilTx, &snr, &heardMs, &updMs); err != nil {
			return nil, fmt.Errorf("scan node: %w", err)
		}
		n.NodeNum = uint32(nodeNum)
		n.LastHeardAt = fromUnixMillis(heardMs)
		n.UpdatedAt = fromUnixMillis(updMs)
		if latitude.Valid {
			v := latitude.Float64
			n.Latitude = &v
		}
		if longitude.Valid {
			v := longitude.Float64
			n.Longitude = &v
		}
		if altitude.Valid {
			v := int32(altitude.Int64)
			n.Altitude = &v
		}
		if battery.Valid {
			v := uint32(battery.Int64)
			n.BatteryLevel = &v
		}
		if voltage.Valid {
			v := voltage.Float64
			n.Voltage = &v
		}
		if channelUtil.Valid {
			v := channelUtil.Float64
			n.ChannelUtil = &v
		}
		if airUtilTx.Valid {
			v := airUtilTx.Float64
			n.AirUtilTx = &v
		}
		if snr.Valid {
			v := snr.Float64
			n.SNR = &v
		}
		out = append(out, n)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate nodes: %w", err)
	}

	return out, nil
}
