// internal/zookeeper/lock.go
package zookeeper

import (
	"context"
	"sort"
	"strconv"
	"strings"

	"github.com/go-zookeeper/zk"
	"github.com/pkg/errors"
)

const lockRoot = "/seckill/locks" // 所有库存锁的根节点

// DistributedLock 基于临时顺序节点的分布式锁。
// 节点的序列号天然是 fencing token: ZooKeeper 对同一父节点下的
// 顺序节点保证序列号严格递增，后获得锁的持有者序列号一定更大。
type DistributedLock struct {
	conn     *Conn
	path     string // 锁的父路径，例如 /seckill/locks/act-1:sku-1
	lockNode string // 成功获取锁后自己创建的节点路径
	sequence int64  // 节点序列号，即 fencing token
}

// NewDistributedLock 创建锁实例并确保父路径存在
func NewDistributedLock(conn *Conn, resource string) (*DistributedLock, error) {
	if err := conn.EnsurePath("/seckill"); err != nil {
		return nil, err
	}
	if err := conn.EnsurePath(lockRoot); err != nil {
		return nil, err
	}
	lockPath := lockRoot + "/" + resource
	if err := conn.EnsurePath(lockPath); err != nil {
		return nil, err
	}
	return &DistributedLock{conn: conn, path: lockPath}, nil
}

// Lock 尝试获取锁，阻塞直到成功或 ctx 到期。
// 成功后 Sequence() 返回本次持有的 fencing token。
func (l *DistributedLock) Lock(ctx context.Context) error {
	// 1. 创建临时顺序节点: /seckill/locks/<resource>/lock-0000000042
	nodePath, err := l.conn.CreateProtectedEphemeralSequential(l.path+"/lock-", []byte{}, zk.WorldACL(zk.PermAll))
	if err != nil {
		return errors.Wrap(err, "failed to create sequential lock node")
	}
	l.lockNode = nodePath
	l.sequence, err = parseSequence(nodePath)
	if err != nil {
		l.conn.Delete(nodePath, -1)
		return err
	}

	for {
		// 2. 列出所有竞争者并排序
		children, _, err := l.conn.Children(l.path)
		if err != nil {
			return errors.Wrap(err, "failed to list lock children")
		}
		sort.Slice(children, func(i, j int) bool {
			si, _ := parseSequence(children[i])
			sj, _ := parseSequence(children[j])
			return si < sj
		})

		// 3. 自己是最小节点则持有锁
		myNodeName := strings.TrimPrefix(l.lockNode, l.path+"/")
		if myNodeName == children[0] {
			return nil
		}

		// 4. 否则只监听自己的前驱，避免惊群
		prevIndex := -1
		for i, child := range children {
			if child == myNodeName {
				prevIndex = i - 1
				break
			}
		}
		if prevIndex < 0 {
			return errors.New("lock node missing from children list")
		}

		exists, _, eventChan, err := l.conn.ExistsW(l.path + "/" + children[prevIndex])
		if err != nil {
			return errors.Wrap(err, "failed to watch previous lock node")
		}
		if !exists {
			continue
		}

		select {
		case event := <-eventChan:
			if event.Type == zk.EventNodeDeleted {
				continue
			}
		case <-ctx.Done():
			// 放弃排队，删掉自己的节点让后面的人上位
			l.conn.Delete(l.lockNode, -1)
			l.lockNode = ""
			return ctx.Err()
		}
	}
}

// Sequence 返回本次持有的 fencing token
func (l *DistributedLock) Sequence() int64 { return l.sequence }

// IsHolder 检查自己是否仍然是最小节点。会话存活期间通常为真，
// 会话过期后节点被清理，检查会发现锁已易主。
func (l *DistributedLock) IsHolder() (bool, error) {
	if l.lockNode == "" {
		return false, nil
	}
	exists, _, err := l.conn.Exists(l.lockNode)
	if err != nil {
		return false, errors.Wrap(err, "failed to check lock node")
	}
	return exists, nil
}

// Unlock 释放锁
func (l *DistributedLock) Unlock() error {
	if l.lockNode == "" {
		return nil
	}
	err := l.conn.Delete(l.lockNode, -1)
	l.lockNode = ""
	if err != nil && err != zk.ErrNoNode {
		return errors.Wrap(err, "failed to delete lock node")
	}
	return nil
}

// parseSequence 从节点名末尾解析出 10 位序列号。
// CreateProtectedEphemeralSequential 生成的节点名带 GUID 前缀，
// 但序列号始终是最后 10 位数字。
func parseSequence(node string) (int64, error) {
	if len(node) < 10 {
		return 0, errors.Errorf("node name too short to contain sequence: %s", node)
	}
	seq, err := strconv.ParseInt(node[len(node)-10:], 10, 64)
	if err != nil {
		return 0, errors.Wrapf(err, "failed to parse sequence from node %s", node)
	}
	return seq, nil
}
