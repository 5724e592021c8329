// 版权所有 2024 AgentFlow Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

/*
包 kvstore 提供基于 Redis 的键值存储客户端，是工作流引擎唯一的共享可变资源。

# 概述

本包封装 go-redis 客户端，为 workflow 包的存储门面提供字符串、哈希、
键扫描、条件写入、比较删除与列表队列等原语。Client 负责连接生命周期管理，
包括初始化、健康检查与优雅关闭。

# 核心类型

  - Client：存储客户端，持有 Redis 客户端与连接池配置。
  - Config：连接配置，包含地址、密码、连接池大小与健康检查间隔。

# 主要能力

  - 记录读写：Get/Set、HGet/HSet/HVals/HFirst，均为覆盖写语义。
  - 协调原语：SetNX（带租约）、CompareAndDelete（持有者校验）、HIncrBy/HSetNX。
  - 键枚举：Keys 通过 SCAN 迭代匹配模式，不阻塞服务端。
  - 队列：LPush/BRPop 供派发端与执行端使用。
  - 错误语义：提供 ErrNotFound 哨兵错误与 IsNotFound 判断函数。
*/
package kvstore
