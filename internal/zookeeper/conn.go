// internal/zookeeper/conn.go
package zookeeper

import (
	"context"
	"time"

	"github.com/go-zookeeper/zk"
	"github.com/pkg/errors"

	"flashsale/internal/pkg/logger"
)

// Conn 是对 *zk.Conn 的薄封装，统一连接参数与日志输出。
type Conn struct {
	*zk.Conn
}

// Connect 建立到 ZooKeeper 集群的连接。sessionTimeout 决定了
// 临时节点在会话断开后多久被清理，也就是锁租约的实际上限。
func Connect(servers []string, sessionTimeout time.Duration) (*Conn, error) {
	if sessionTimeout <= 0 {
		sessionTimeout = 10 * time.Second
	}
	conn, _, err := zk.Connect(servers, sessionTimeout, zk.WithLogInfo(false))
	if err != nil {
		return nil, errors.Wrap(err, "failed to connect to zookeeper")
	}
	logger.Ctx(context.Background()).Info().Strs("servers", servers).Msg("Connected to zookeeper")
	return &Conn{Conn: conn}, nil
}

// EnsurePath 确保路径上的每一级持久节点都存在
func (c *Conn) EnsurePath(path string) error {
	exists, _, err := c.Exists(path)
	if err != nil {
		return errors.Wrapf(err, "failed to check path %s", path)
	}
	if exists {
		return nil
	}
	_, err = c.Create(path, []byte{}, 0, zk.WorldACL(zk.PermAll))
	if err != nil && err != zk.ErrNodeExists {
		return errors.Wrapf(err, "failed to create path %s", path)
	}
	return nil
}
